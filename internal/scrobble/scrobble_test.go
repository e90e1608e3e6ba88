package scrobble

import "testing"

func TestEffectiveAlbumArtist(t *testing.T) {
	tr := Track{Artist: "Artist"}
	if got := tr.EffectiveAlbumArtist(); got != "Artist" {
		t.Errorf("expected fallback to artist, got %q", got)
	}
	tr.AlbumArtist = "Album Artist"
	if got := tr.EffectiveAlbumArtist(); got != "Album Artist" {
		t.Errorf("expected album artist, got %q", got)
	}
}

func TestMetadataGood(t *testing.T) {
	tests := []struct {
		name  string
		track Track
		want  bool
	}{
		{"complete", Track{Artist: "a", Title: "t"}, true},
		{"missing artist", Track{Title: "t"}, false},
		{"missing title", Track{Artist: "a"}, false},
		{"empty", Track{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.track.MetadataGood(); got != tt.want {
				t.Errorf("MetadataGood() = %v, want %v", got, tt.want)
			}
		})
	}
}
