package wire

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		f    *Frame
		want Kind
	}{
		{"request", &Frame{ID: float64(1), Method: "tools/list"}, KindRequest},
		{"notification", &Frame{Method: "notifications/initialized"}, KindNotification},
		{"response", &Frame{ID: float64(1)}, KindResponse},
		{"error response", &Frame{ID: float64(1), Error: &RPCError{Code: CodeMethodNotFound}}, KindErrorResponse},
		{"invalid", &Frame{}, KindInvalid},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.f); got != c.want {
				t.Errorf("Classify() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := EncodeRequest(int64(7), "tools/call", map[string]string{"name": "echo"})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f.Method != "tools/call" {
		t.Errorf("Method = %q, want tools/call", f.Method)
	}
	if Classify(f) != KindRequest {
		t.Errorf("Classify() = %v, want KindRequest", Classify(f))
	}
}

func TestIDAllocatorMonotonic(t *testing.T) {
	var a IDAllocator
	seen := map[int64]bool{}
	for i := 0; i < 100; i++ {
		id := a.Next()
		if seen[id] {
			t.Fatalf("id %d reused", id)
		}
		seen[id] = true
	}
}
