package device

import (
	"errors"
	"strings"
	"testing"
)

func TestDetectConnectionType(t *testing.T) {
	tests := []struct {
		serial string
		want   ConnectionType
	}{
		{"emulator-5554", ConnectionEmulator},
		{"127.0.0.1:5555", ConnectionEmulator},
		{"192.168.1.20:5555", ConnectionWiFi},
		{"R58M123ABC", ConnectionUSB},
		{"", ConnectionUSB},
		{"host.local:5555", ConnectionUSB},
	}
	for _, tt := range tests {
		t.Run(tt.serial, func(t *testing.T) {
			if got := DetectConnectionType(tt.serial); got != tt.want {
				t.Errorf("DetectConnectionType(%q) = %q, want %q", tt.serial, got, tt.want)
			}
		})
	}
}

func TestGenerateUDID(t *testing.T) {
	tests := []struct {
		serial, model, want string
	}{
		{"192.168.1.20:5555", "Pixel 7", "192_168_1_20_5555-Pixel_7"},
		{"emulator-5554", "sdk_gphone64_x86_64", "emulator-5554-sdk_gphone64_x86_64"},
		{"", "", "unknown-unknown"},
		{"R58M", "", "R58M-unknown"},
	}
	for _, tt := range tests {
		if got := GenerateUDID(tt.serial, tt.model); got != tt.want {
			t.Errorf("GenerateUDID(%q, %q) = %q, want %q", tt.serial, tt.model, got, tt.want)
		}
	}
}

func TestValidateDevice(t *testing.T) {
	valid := func() *Device {
		return &Device{ID: "dev-1", Host: "10.0.0.12", Port: 7912}
	}

	tests := []struct {
		name    string
		mutate  func(*Device)
		wantErr error
	}{
		{"valid", func(*Device) {}, nil},
		{"port zero means default", func(d *Device) { d.Port = 0 }, nil},
		{"hostname", func(d *Device) { d.Host = "phone-01.lab.local" }, nil},
		{"ipv6", func(d *Device) { d.Host = "fe80::1" }, nil},
		{"missing id", func(d *Device) { d.ID = "" }, ErrInvalidDevice},
		{"missing host", func(d *Device) { d.Host = "" }, ErrInvalidHost},
		{"bad host", func(d *Device) { d.Host = "under_score!" }, ErrInvalidHost},
		{"long host", func(d *Device) { d.Host = strings.Repeat("a", 254) }, ErrInvalidHost},
		{"port too high", func(d *Device) { d.Port = 70000 }, ErrInvalidPort},
		{"negative port", func(d *Device) { d.Port = -1 }, ErrInvalidPort},
		{"long serial", func(d *Device) { d.Serial = strings.Repeat("s", 129) }, ErrInvalidDevice},
		{"negative display", func(d *Device) { d.Display.Width = -1 }, ErrInvalidDevice},
		{"bad connection type", func(d *Device) { d.ConnectionType = "bluetooth" }, ErrInvalidDevice},
		{"bad health", func(d *Device) { d.HealthStatus = "fine" }, ErrInvalidDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid()
			tt.mutate(d)
			err := ValidateDevice(d)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateDevice() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDevice() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := ValidateDevice(nil); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("ValidateDevice(nil) error = %v", err)
	}
}

func TestValidateHealthStatus(t *testing.T) {
	for _, s := range AllHealthStatuses() {
		if err := ValidateHealthStatus(s); err != nil {
			t.Errorf("ValidateHealthStatus(%q) error = %v", s, err)
		}
	}
	if err := ValidateHealthStatus(""); err == nil {
		t.Error("empty health status should be invalid")
	}
}
