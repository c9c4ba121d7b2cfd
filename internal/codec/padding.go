package codec

const padBlock = 16

// pad appends 1..16 bytes, each holding the pad length. The amount only depends
// on the input length.
func pad(b []byte) []byte {
	n := padBlock - len(b)%padBlock
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > padBlock || n > len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
