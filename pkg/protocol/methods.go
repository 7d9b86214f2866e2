package protocol

// Method classification. GUI methods always execute on the agent; filesystem,
// shell, and system methods may be served by the server when it is itself the
// target; privileged methods run in-place only in a co-located context.
// Extend by adding names to the relevant list.

// GUIMethods are always forwarded to the agent.
var GUIMethods = map[string]bool{
	"screenshot":               true,
	"desktop_screenshot":       true,
	"screenshot_app":           true,
	"screenshot_grid":          true,
	"mouse_move":               true,
	"mouse_click":              true,
	"mouse_drag":               true,
	"mouse_scroll":             true,
	"click":                    true,
	"click_absolute":           true,
	"click_relative":           true,
	"click_grid":               true,
	"keyboard_type":            true,
	"keyboard_press":           true,
	"keyboard_shortcut":        true,
	"browser_navigate":         true,
	"browser_go_back":          true,
	"browser_go_forward":       true,
	"browser_screenshot":       true,
	"browser_get_visible_html": true,
	"browser_press_key":        true,
	"browser_hover":            true,
	"browser_drag":             true,
	"browser_upload_file":      true,
	"browser_save_as_pdf":      true,
	"window_list":              true,
	"window_focus":             true,
	"window_move":              true,
	"window_resize":            true,
	"app_launch":               true,
	"app_quit":                 true,
	"clipboard_read":           true,
	"clipboard_write":          true,
}

// FilesystemMethods operate on the target's filesystem.
var FilesystemMethods = map[string]bool{
	"fs_read":           true,
	"fs_read_range":     true,
	"fs_write":          true,
	"fs_list":           true,
	"fs_delete":         true,
	"fs_move":           true,
	"fs_mkdir":          true,
	"fs_grep":           true,
	"fs_search":         true,
	"fs_patch":          true,
	"files_info":        true,
	"files_read_chunk":  true,
	"files_write_chunk": true,
}

// ShellMethods drive interactive and one-shot shells.
var ShellMethods = map[string]bool{
	"shell_exec":          true,
	"shell_start_session": true,
	"shell_send_input":    true,
	"shell_read_output":   true,
	"shell_stop_session":  true,
	"shell_resize":        true,
}

// SystemMethods report target machine facts.
var SystemMethods = map[string]bool{
	"system_info": true,
}

// PrivilegedMethods run in-place only when the server is co-located with the
// agent host; otherwise they forward.
var PrivilegedMethods = map[string]bool{
	"machine_lock":   true,
	"machine_unlock": true,
	"machine_info":   true,
}

// TerminalAliases maps broker-facing terminal methods onto the agent's shell
// session operations.
var TerminalAliases = map[string]string{
	"terminal_start":  "shell_start_session",
	"terminal_input":  "shell_send_input",
	"terminal_output": "shell_read_output",
	"terminal_stop":   "shell_stop_session",
	"terminal_resize": "shell_resize",
}
