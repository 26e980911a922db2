package transport

import (
	"testing"

	"github.com/quic-go/quic-go"
)

// fakeConnState overrides only ConnectionState; the embedded nil interface
// panics on anything else, which no test here touches.
type fakeConnState struct {
	quic.Connection
	supportsDatagrams bool
}

func (f *fakeConnState) ConnectionState() quic.ConnectionState {
	return quic.ConnectionState{SupportsDatagrams: f.supportsDatagrams}
}

func TestMaxDatagramSize(t *testing.T) {
	tests := []struct {
		name     string
		supports bool
		mtu      int
		want     int
	}{
		{"default mtu", true, 0, DefaultDatagramMTU},
		{"custom mtu", true, 1350, 1350},
		{"datagrams disabled", false, 1350, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewQUICConn(&fakeConnState{supportsDatagrams: tt.supports}, tt.mtu)
			if got := c.MaxDatagramSize(); got != tt.want {
				t.Errorf("MaxDatagramSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDialRequiresTLSConfig(t *testing.T) {
	if _, err := Dial(t.Context(), "127.0.0.1:0", DialOptions{}); err == nil {
		t.Error("Dial without TLS config should fail")
	}
	if _, err := Listen("127.0.0.1:0", ListenOptions{}); err == nil {
		t.Error("Listen without TLS config should fail")
	}
}
