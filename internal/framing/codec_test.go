package framing

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, 0xDEADBEEF)
	if got := Header(buf); got != 0xDEADBEEF {
		t.Fatalf("Header() = %#x, want %#x", got, 0xDEADBEEF)
	}
}

func TestHeaderZeroLength(t *testing.T) {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, 0)
	if got := Header(buf); got != 0 {
		t.Fatalf("Header() = %d, want 0", got)
	}
}

func TestAuthTokenRoundTrip(t *testing.T) {
	buf := make([]byte, AuthTokenLen)
	const want = uint64(0x0102030405060708)
	PutAuthToken(buf, want)
	if got := AuthToken(buf); got != want {
		t.Fatalf("AuthToken() = %#x, want %#x", got, want)
	}
}

func TestEndiannessIsBigEndian(t *testing.T) {
	buf := make([]byte, AuthTokenLen)
	PutAuthToken(buf, 1)
	// Big-endian: the least-significant byte is last.
	for i := 0; i < AuthTokenLen-1; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = %d, want 0 (big-endian encoding of 1)", i, buf[i])
		}
	}
	if buf[AuthTokenLen-1] != 1 {
		t.Fatalf("last byte = %d, want 1", buf[AuthTokenLen-1])
	}
}
