package listenbrainz

import (
	"strings"

	"github.com/scrobbled/scrobbled/internal/scrobble"
)

const (
	submissionClient  = "scrobbled"
	submissionVersion = "0.1.0"
)

type trackMetadata struct {
	ArtistName     string         `json:"artist_name"`
	ReleaseName    string         `json:"release_name,omitempty"`
	TrackName      string         `json:"track_name"`
	AdditionalInfo map[string]any `json:"additional_info,omitempty"`
}

type listen struct {
	ListenedAt    int64         `json:"listened_at,omitempty"` // absent for playing_now
	TrackMetadata trackMetadata `json:"track_metadata"`
}

type listenRequest struct {
	ListenType string   `json:"listen_type"` // "playing_now" or "import"
	Payload    []listen `json:"payload"`
}

// newTrackMetadata projects a track to the wire-level fields the listen
// submission API expects.
func newTrackMetadata(t scrobble.Track, preferAlbumArtist bool) trackMetadata {
	m := trackMetadata{TrackName: t.Title}
	if preferAlbumArtist {
		m.ArtistName = t.EffectiveAlbumArtist()
	} else {
		m.ArtistName = t.Artist
	}
	if t.Album != "" {
		m.ReleaseName = t.Album
	}

	info := map[string]any{
		"media_player":              submissionClient,
		"media_player_version":      submissionVersion,
		"submission_client":         submissionClient,
		"submission_client_version": submissionVersion,
	}
	if t.Length > 0 {
		info["duration_ms"] = t.Length.Milliseconds()
	}
	if t.TrackNumber > 0 {
		info["tracknumber"] = t.TrackNumber
	}
	if ids := artistMBIDs(t); len(ids) > 0 {
		info["artist_mbids"] = ids
	}
	if t.ReleaseMBID != "" {
		info["release_mbid"] = t.ReleaseMBID
	}
	if t.RecordingMBID != "" {
		info["recording_mbid"] = t.RecordingMBID
	}
	if t.TrackMBID != "" {
		info["track_mbid"] = t.TrackMBID
	}
	if t.WorkMBID != "" {
		info["work_mbids"] = []string{t.WorkMBID}
	}
	m.AdditionalInfo = info
	return m
}

// artistMBIDs merges the album-artist and artist identifier lists, which may
// each hold several IDs separated by '/', dropping empties and duplicates.
func artistMBIDs(t scrobble.Track) []string {
	var merged []string
	seen := make(map[string]bool)
	for _, field := range []string{t.AlbumArtistMBID, t.ArtistMBID} {
		if field == "" {
			continue
		}
		for _, id := range strings.Split(field, "/") {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, id)
		}
	}
	return merged
}
