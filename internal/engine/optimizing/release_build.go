//go:build release

package optimizing

const debugBuild = false
