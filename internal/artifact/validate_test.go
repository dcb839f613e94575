package artifact

import "testing"

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		jobID   string
		art     string
		wantErr bool
	}{
		{name: "valid", jobID: "3f2c1a", art: "final-audio"},
		{name: "uuid job id", jobID: "0b9f6f0e-4c4b-4a43-9f0e-3c1d2b7a9e11", art: "scene-video-2"},
		{name: "missing job id", art: "lyrics", wantErr: true},
		{name: "missing name", jobID: "j1", wantErr: true},
		{name: "job id traversal", jobID: "../etc", art: "lyrics", wantErr: true},
		{name: "name traversal", jobID: "j1", art: "../passwd", wantErr: true},
		{name: "name with slash", jobID: "j1", art: "a/b", wantErr: true},
		{name: "hidden name", jobID: "j1", art: ".tmp-lyrics", wantErr: true},
		{name: "uppercase name", jobID: "j1", art: "Lyrics", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.jobID, tt.art)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/hook", false},
		{"http://localhost:8080", false},
		{"", false},
		{"ftp://example.com/file", true},
		{"https://", true},
		{"::not a url", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
