package common

import (
	"crypto/rand"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// The returned string has No 0x prefix
func ByteSliceToPureHexStr(b []byte) string {
	return Trim0xPrefix(ethcommon.Bytes2Hex(b))
}

func HexStrToByteSlice(hexStr string) []byte {
	return ethcommon.Hex2Bytes(Trim0xPrefix(hexStr))
}

// Trim 0x or 0X prefix off the string.
func Trim0xPrefix(str string) string {
	s := strings.TrimPrefix(str, "0x")
	return strings.TrimPrefix(s, "0X")
}

func Prepend0xPrefix(str string) string {
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		return str
	}
	return "0x" + str
}

// RandBytes32 generates [32]byte with random values
func RandBytes32() [32]byte {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return [32]byte{}
	}
	return b
}

// RandTxHash returns a random 32-byte hash as lowercase hex without prefix,
// the shape of a BTC txid or a NEAR-style opaque hash.
func RandTxHash() string {
	b := RandBytes32()
	return ByteSliceToPureHexStr(b[:])
}

// Shorten shortens a string so that both sides keep n characters and
// the middle is replaced with "...". Used for log fields.
func Shorten(str string, n int) string {
	if len(str) <= n*2 {
		return str
	}
	return str[:n] + "..." + str[len(str)-n:]
}

// LeftPad32 left-pads b with zeroes to 32 bytes. Longer input is returned
// unchanged so callers can detect the overflow.
func LeftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b
	}
	return ethcommon.LeftPadBytes(b, 32)
}
