package buffer

import (
	"bytes"
	"testing"
)

func TestOutMessageAppend(t *testing.T) {
	var om OutMessage
	om.Reset()

	// Append some payload in two segments.
	const wantStr = "tacoburrito"
	want := []byte(wantStr)
	om.Append(want[:4])
	om.Append(want[4:])

	if got, want := om.Len(), len(wantStr); got != want {
		t.Errorf("om.Len() = %d, want %d", got, want)
	}

	if got := om.Bytes(); !bytes.Equal(got, want) {
		t.Errorf("om.Bytes() = %q, want %q", got, want)
	}
}

func TestOutMessageAppendString(t *testing.T) {
	var om OutMessage
	om.Reset()

	om.AppendString("HTTP/1.1 ")
	om.AppendUint(200)
	om.AppendString(" OK\r\n")

	const want = "HTTP/1.1 200 OK\r\n"
	if got := string(om.Bytes()); got != want {
		t.Errorf("om.Bytes() = %q, want %q", got, want)
	}
}

func TestOutMessageReset(t *testing.T) {
	var om OutMessage

	om.AppendString("first response")
	om.Reset()

	if got, want := om.Len(), 0; got != want {
		t.Fatalf("om.Len() = %d, want %d", got, want)
	}

	// The message must be reusable after Reset.
	om.AppendString("second")
	if got, want := string(om.Bytes()), "second"; got != want {
		t.Errorf("om.Bytes() = %q, want %q", got, want)
	}
}

func TestOutMessageAppendUint(t *testing.T) {
	cases := []struct {
		n    uint64
		want string
	}{
		{0, "0"},
		{5, "5"},
		{404, "404"},
		{18446744073709551615, "18446744073709551615"},
	}

	for _, tc := range cases {
		var om OutMessage
		om.AppendUint(tc.n)

		if got := string(om.Bytes()); got != tc.want {
			t.Errorf("AppendUint(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}
