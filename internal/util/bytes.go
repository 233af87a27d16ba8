package util

func CopyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// PadLength returns the number of zero bytes needed to round n up to a
// multiple of align.
func PadLength(n, align int) int {
	if r := n % align; r != 0 {
		return align - r
	}
	return 0
}
