package scrobble

import (
	"errors"
	"time"
)

var (
	ErrNotConfigured = errors.New("scrobbling not configured")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotPlaying    = errors.New("track is not the currently playing track")
)

// Track represents the metadata snapshot carried by a listen event.
type Track struct {
	Artist      string
	AlbumArtist string
	Title       string
	Album       string
	Length      time.Duration
	TrackNumber int

	// MusicBrainz identifiers. Artist identifiers may hold several IDs
	// separated by '/'.
	RecordingMBID   string
	TrackMBID       string
	WorkMBID        string
	ReleaseMBID     string
	ArtistMBID      string
	AlbumArtistMBID string

	// URL identifies the playback source and is used to match a scrobble
	// against the currently playing track.
	URL string

	// Stream marks a continuous radio-style source with no fixed length.
	Stream bool
}

// EffectiveAlbumArtist returns the album artist, falling back to the track
// artist when no album artist is set.
func (t Track) EffectiveAlbumArtist() string {
	if t.AlbumArtist != "" {
		return t.AlbumArtist
	}
	return t.Artist
}

// MetadataGood reports whether the track carries enough metadata to submit.
func (t Track) MetadataGood() bool {
	return t.Artist != "" && t.Title != ""
}
