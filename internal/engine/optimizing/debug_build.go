//go:build !release

package optimizing

// debugBuild enables the validation of the graph after every pass.
const debugBuild = true
