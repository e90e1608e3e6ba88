package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/scrobbled/scrobbled/internal/config"
	"github.com/scrobbled/scrobbled/internal/logging"
	"github.com/scrobbled/scrobbled/internal/metadata"
	"github.com/scrobbled/scrobbled/internal/scrobble"
	"github.com/scrobbled/scrobbled/internal/scrobble/listenbrainz"
)

var version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `scrobbled - ListenBrainz scrobble submission engine

Usage: scrobbled [options]

Options:
  -config string
        Path to config file (default: ~/.config/scrobbled/config.toml)
  -version
        Print version and exit

Authentication:
  -auth
        Run the OAuth2 authorization flow in the browser
  -logout
        Clear the stored session

Scrobbling:
  -now FILE
        Announce FILE as now playing
  -scrobble FILE
        Record a listen of FILE and submit pending listens
  -love FILE
        Submit positive feedback for FILE (requires MusicBrainz tags)
  -length int
        Track length in seconds when tags carry none
  -stream
        Treat the track as a continuous radio-style stream
  -flush
        Submit all pending listens
  -status
        Show authentication and queue status

Examples:
  scrobbled -auth                          # Log in to ListenBrainz
  scrobbled -scrobble ~/Music/track.flac   # Record and submit a listen
  scrobbled -flush                         # Drain the pending queue

`)
	}

	cfgPath := flag.String("config", "", "")
	showVersion := flag.Bool("version", false, "")
	doAuth := flag.Bool("auth", false, "")
	doLogout := flag.Bool("logout", false, "")
	nowFile := flag.String("now", "", "")
	scrobbleFile := flag.String("scrobble", "", "")
	loveFile := flag.String("love", "", "")
	lengthSecs := flag.Int("length", 0, "")
	stream := flag.Bool("stream", false, "")
	doFlush := flag.Bool("flush", false, "")
	showStatus := flag.Bool("status", false, "")
	flag.Parse()

	if *showVersion {
		fmt.Println("scrobbled", version)
		return
	}

	cfg, resolvedPath, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, logFile, err := logging.Setup()
	if err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	defer logFile.Close()
	logger.Info("starting scrobbled", slog.String("config", resolvedPath))

	authDone := make(chan authResult, 1)
	sc, err := listenbrainz.New(listenbrainz.Config{
		Settings: engineSettings(cfg),
		StateDir: cfg.StateDir,
		ClientID: cfg.OAuth.ClientID, ClientSecret: cfg.OAuth.ClientSecret,
		AuthorizeURL: cfg.OAuth.AuthorizeURL, TokenURL: cfg.OAuth.TokenURL,
		APIURL: cfg.OAuth.APIURL,
		Logger: logger,
		Callbacks: listenbrainz.Callbacks{
			AuthenticationComplete: func(ok bool, message string) {
				select {
				case authDone <- authResult{ok: ok, message: message}:
				default:
				}
			},
			ErrorMessage: func(message string) {
				fmt.Fprintln(os.Stderr, message)
			},
		},
	})
	if err != nil {
		log.Fatalf("start scrobbler: %v", err)
	}
	defer sc.Close()

	switch {
	case *doAuth:
		runAuth(sc, authDone)
	case *doLogout:
		sc.Logout()
		fmt.Println("Logged out.")
	case *showStatus:
		printStatus(cfg, sc)
	case *nowFile != "":
		track := loadTrack(*nowFile, *lengthSecs, *stream)
		sc.UpdateNowPlaying(track)
		// The announcement is fire-and-forget; give it a moment to leave.
		time.Sleep(2 * time.Second)
	case *scrobbleFile != "":
		track := loadTrack(*scrobbleFile, *lengthSecs, *stream)
		sc.UpdateNowPlaying(track)
		if err := sc.Scrobble(track); err != nil {
			log.Fatalf("scrobble: %v", err)
		}
		waitForDrain(sc, 30*time.Second)
	case *loveFile != "":
		track := loadTrack(*loveFile, *lengthSecs, *stream)
		if err := sc.Love(track); err != nil {
			log.Fatalf("love: %v", err)
		}
		time.Sleep(2 * time.Second)
	case *doFlush:
		sc.StartSubmit(true)
		waitForDrain(sc, 60*time.Second)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

type authResult struct {
	ok      bool
	message string
}

func runAuth(sc *listenbrainz.Scrobbler, done <-chan authResult) {
	url, err := sc.Authenticate()
	if err != nil {
		log.Fatalf("authenticate: %v", err)
	}
	if openErr := openBrowser(url); openErr != nil {
		fmt.Println("Please open this URL in your browser:")
	} else {
		fmt.Println("Waiting for authorization in the browser. If nothing opened, visit:")
	}
	fmt.Println("  " + url)

	select {
	case res := <-done:
		if !res.ok {
			log.Fatalf("authentication failed: %s", res.message)
		}
		fmt.Println("Authentication successful.")
	case <-time.After(5 * time.Minute):
		log.Fatal("authentication timed out")
	}
}

func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}

func loadTrack(path string, lengthSecs int, stream bool) scrobble.Track {
	track, err := metadata.FromFile(path)
	if err != nil {
		log.Fatalf("read track metadata: %v", err)
	}
	if lengthSecs > 0 {
		track.Length = time.Duration(lengthSecs) * time.Second
	}
	track.Stream = stream
	return track
}

func waitForDrain(sc *listenbrainz.Scrobbler, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for sc.PendingCount() > 0 {
		if time.Now().After(deadline) {
			fmt.Printf("%d listens still pending; they will be submitted next run.\n", sc.PendingCount())
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Println("All pending listens submitted.")
}

var (
	statusTitle = lipgloss.NewStyle().Bold(true)
	statusKey   = lipgloss.NewStyle().Faint(true).Width(16)
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	statusBad   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func printStatus(cfg *config.Config, sc *listenbrainz.Scrobbler) {
	yesNo := func(v bool) string {
		if v {
			return statusOK.Render("yes")
		}
		return statusBad.Render("no")
	}

	fmt.Println(statusTitle.Render(listenbrainz.Name))
	fmt.Println(statusKey.Render("enabled") + yesNo(cfg.Scrobbler.Enabled))
	fmt.Println(statusKey.Render("authenticated") + yesNo(sc.Authenticated()))
	fmt.Println(statusKey.Render("offline") + yesNo(cfg.Scrobbler.Offline))
	fmt.Println(statusKey.Render("pending") + fmt.Sprintf("%d", sc.PendingCount()))
	if sess := sc.Session(); sess.Authenticated() {
		remaining := sess.Remaining(time.Now())
		fmt.Println(statusKey.Render("token expires") + fmt.Sprintf("in %ds", remaining))
	}
}

func engineSettings(cfg *config.Config) listenbrainz.Settings {
	return listenbrainz.Settings{
		Enabled:           cfg.Scrobbler.Enabled,
		UserToken:         cfg.Scrobbler.UserToken,
		SubmitDelay:       cfg.Scrobbler.SubmitDelay,
		PreferAlbumArtist: cfg.Scrobbler.PreferAlbumArtist,
		Offline:           cfg.Scrobbler.Offline,
		ShowErrorDialog:   cfg.Scrobbler.ShowErrorDialog,
	}
}
