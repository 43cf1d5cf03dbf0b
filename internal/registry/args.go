package registry

// Args are validated, normalized tool arguments.
type Args map[string]any

// String returns a string argument, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Bool returns a boolean argument and whether it was supplied.
func (a Args) Bool(name string) (bool, bool) {
	b, ok := a[name].(bool)
	return b, ok
}

// Array returns an array argument, or nil when absent.
func (a Args) Array(name string) []any {
	v, _ := a[name].([]any)
	return v
}
