// Package metadata builds scrobble tracks from local audio files.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/scrobbled/scrobbled/internal/scrobble"
)

// FromFile reads the tags of a local audio file and returns the track they
// describe. Files without usable tags fall back to path-derived names.
func FromFile(path string) (scrobble.Track, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return scrobble.Track{}, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return scrobble.Track{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t := scrobble.Track{URL: "file://" + abs}

	meta, err := tag.ReadFrom(f)
	if err != nil {
		// Not a tagged file; the filename is all we have.
		t.Title = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
		return t, nil
	}

	t.Artist = meta.Artist()
	t.AlbumArtist = meta.AlbumArtist()
	t.Title = meta.Title()
	t.Album = meta.Album()
	t.TrackNumber, _ = meta.Track()
	if t.Title == "" {
		t.Title = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}

	raw := meta.Raw()
	// In Vorbis/ID3 convention MUSICBRAINZ_TRACKID holds the recording ID;
	// the release-track ID lives under MUSICBRAINZ_RELEASETRACKID.
	t.RecordingMBID = rawString(raw, "musicbrainz_trackid")
	t.TrackMBID = rawString(raw, "musicbrainz_releasetrackid")
	t.WorkMBID = rawString(raw, "musicbrainz_workid")
	t.ReleaseMBID = rawString(raw, "musicbrainz_albumid")
	t.ArtistMBID = rawString(raw, "musicbrainz_artistid")
	t.AlbumArtistMBID = rawString(raw, "musicbrainz_albumartistid")

	return t, nil
}

// rawString finds a raw tag value by case-insensitive key, tolerating the
// TXXX: prefix ID3 frames carry.
func rawString(raw map[string]interface{}, key string) string {
	for k, v := range raw {
		name := strings.ToLower(k)
		name = strings.TrimPrefix(name, "txxx:")
		if name != key {
			continue
		}
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
