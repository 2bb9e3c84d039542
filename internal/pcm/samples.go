package pcm

import "encoding/binary"

// Int16s converts little endian bytes to samples. A trailing odd byte is ignored.
func Int16s(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples
}

// Bytes converts samples to little endian bytes.
func Bytes(samples []int16) []byte {
	data := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(s))
	}
	return data
}
