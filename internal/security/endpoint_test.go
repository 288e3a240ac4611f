package security

import "testing"

func TestValidateCallbackURL(t *testing.T) {
	tests := []struct {
		url        string
		requireTLS bool
		wantErr    bool
	}{
		{"https://pay.example.co.ke/v1/mpesa/callback", true, false},
		{"http://pay.example.co.ke/v1/mpesa/callback", false, false},
		{"http://pay.example.co.ke/v1/mpesa/callback", true, true},
		{"https://localhost/v1/mpesa/callback", false, true},
		{"https://printer.local/cb", false, true},
		{"https://127.0.0.1/cb", false, true},
		{"https://10.0.0.5/cb", false, true},
		{"https://169.254.169.254/cb", false, true},
		{"https://203.0.113.10/cb", false, false},
		{"https://pay.example.co.ke/cb?x=1", false, true},
		{"ftp://pay.example.co.ke/cb", false, true},
		{"https:///cb", false, true},
		{"::not a url", false, true},
	}

	for _, tc := range tests {
		err := ValidateCallbackURL(tc.url, tc.requireTLS)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateCallbackURL(%q, %v) error = %v, wantErr %v", tc.url, tc.requireTLS, err, tc.wantErr)
		}
	}
}
