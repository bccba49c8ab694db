package backend

// FormatIntervals returns the live intervals computed by c.
func FormatIntervals(c Compiler) string {
	return c.(*compiler[Machine]).formatIntervals()
}
