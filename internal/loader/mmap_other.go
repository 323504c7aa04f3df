//go:build !unix

package loader

func readFile(path string) ([]byte, func(), error) { return readPlain(path) }
