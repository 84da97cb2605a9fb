//go:build !unix

package platform

func kernelRelease() string { return "" }
