package indexstore

import "testing"

func TestGRPCTarget(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{name: "default port", url: "http://localhost:6333", wantHost: "localhost", wantPort: 6334},
		{name: "custom port", url: "http://qdrant:9000", wantHost: "qdrant", wantPort: 9001},
		{name: "no port", url: "http://localhost", wantHost: "localhost", wantPort: 6334},
		{name: "no host", url: "http://:6333", wantHost: "localhost", wantPort: 6334},
		{name: "invalid URL", url: "://invalid", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, err := grpcTarget(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("grpcTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if host != tt.wantHost || port != tt.wantPort {
				t.Errorf("grpcTarget() = %s:%d, want %s:%d", host, port, tt.wantHost, tt.wantPort)
			}
		})
	}
}
