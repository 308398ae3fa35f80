package icecast

import (
	"fmt"
	"strings"
)

// Config describes the Icecast server relay sessions publish to and
// listeners tune into.
type Config struct {
	Host           string
	Port           int
	Mount          string
	SourceUser     string
	SourcePassword string
	StationName    string
	StationGenre   string
	Bitrate        string
}

// Defaults mirror a stock Icecast install with the standard source login.
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           8000,
		Mount:          "/live.ogg",
		SourceUser:     "source",
		SourcePassword: "hackme",
		StationName:    "Airwave Live",
		StationGenre:   "various",
		Bitrate:        "128k",
	}
}

func (c Config) normalizedMount() string {
	mount := strings.TrimSpace(c.Mount)
	if mount == "" {
		mount = "/live.ogg"
	}
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	return mount
}

// SourceURL is the icecast:// publish address handed to the encoder.
func (c Config) SourceURL() string {
	user := c.SourceUser
	if user == "" {
		user = "source"
	}
	return fmt.Sprintf("icecast://%s:%s@%s:%d%s", user, c.SourcePassword, c.Host, c.Port, c.normalizedMount())
}

// StreamURL is the public playback address listeners tune into.
func (c Config) StreamURL() string {
	return fmt.Sprintf("http://%s:%d%s", c.Host, c.Port, c.normalizedMount())
}

// StatusURL is Icecast's JSON status endpoint.
func (c Config) StatusURL() string {
	return fmt.Sprintf("http://%s:%d/status-json.xsl", c.Host, c.Port)
}

// EncoderArgs builds the ffmpeg invocation that reads WebM/Opus audio from
// stdin, transcodes to Ogg/Vorbis, and pushes the result to Icecast.
func (c Config) EncoderArgs(title string) []string {
	name := strings.TrimSpace(title)
	if name == "" {
		name = c.StationName
	}
	bitrate := c.Bitrate
	if bitrate == "" {
		bitrate = "128k"
	}
	return []string{
		"-hide_banner",
		"-f", "webm",
		"-i", "pipe:0",
		"-c:a", "libvorbis",
		"-b:a", bitrate,
		"-content_type", "application/ogg",
		"-ice_name", name,
		"-ice_genre", c.StationGenre,
		"-f", "ogg",
		c.SourceURL(),
	}
}
