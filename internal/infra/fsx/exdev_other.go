//go:build !unix

package fsx

func isEXDEV(err error) bool { return false }
