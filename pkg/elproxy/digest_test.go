package elproxy

import "testing"

func TestHex32RoundTrip(t *testing.T) {
	values := []uint32{0, 1, 0xdeadbeef, 0xffffffff, 0x00000001, 0x80000000}
	for _, v := range values {
		s := hex32be(v)
		if len(s) != 8 {
			t.Fatalf("hex32be(%#x) = %q, want length 8", v, s)
		}
		got, ok := fromHex32(s)
		if !ok {
			t.Fatalf("fromHex32(%q) failed to parse", s)
		}
		if got != v {
			t.Errorf("fromHex32(hex32be(%#x)) = %#x, want %#x", v, got, v)
		}
	}
}

func TestFromHex32Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "zzzzzzzz", "123456789"} {
		if _, ok := fromHex32(s); ok {
			t.Errorf("fromHex32(%q) unexpectedly succeeded", s)
		}
	}
}

func TestUpperASCII(t *testing.T) {
	cases := map[string]string{
		"public": "PUBLIC",
		"PUBLIC": "PUBLIC",
		"KM0H":   "KM0H",
		"km0h!":  "KM0H!",
		"héllo":  "HéLLO", // only 'a'-'z' are uppercased
	}
	for in, want := range cases {
		if got := upperASCII(in); got != want {
			t.Errorf("upperASCII(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPasswordResponseRoundTrip(t *testing.T) {
	nonces := []uint32{0, 1, 42, 0xdeadbeef, 0xffffffff}
	passwords := []string{"PUBLIC", "secret", "MiXeDcAsE123"}
	for _, nonce := range nonces {
		for _, pw := range passwords {
			resp := passwordResponse(pw, nonce)
			if !checkPasswordResponse(pw, nonce, resp[:]) {
				t.Errorf("checkPasswordResponse(%q, %#x) rejected its own response", pw, nonce)
			}
			for _, other := range passwords {
				if other == pw {
					continue
				}
				if checkPasswordResponse(other, nonce, resp[:]) {
					t.Errorf("checkPasswordResponse(%q, %#x) accepted a response for %q", other, nonce, pw)
				}
			}
		}
	}
}

func TestCheckPasswordResponseWrongLength(t *testing.T) {
	if checkPasswordResponse("PUBLIC", 1, []byte{1, 2, 3}) {
		t.Error("expected short response to be rejected")
	}
}

func TestDigestToHexUpper(t *testing.T) {
	d := digest([]byte("PUBLIC" + hex32be(0)))
	s := digestToHexUpper(d)
	if len(s) != 32 {
		t.Fatalf("digestToHexUpper returned length %d, want 32", len(s))
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9') && !(c >= 'A' && c <= 'F') {
			t.Fatalf("digestToHexUpper returned non-uppercase-hex char %q in %q", c, s)
		}
	}
}
