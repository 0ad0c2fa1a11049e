package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/insomniacslk/localslackirc/pkg/control"
	"github.com/insomniacslk/localslackirc/pkg/irc"
	"github.com/insomniacslk/localslackirc/pkg/slack"

	"github.com/coredhcp/coredhcp/logger"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	ProgramName        = "localslackirc"
	Version     string = irc.Version
)

// Every flag can also be set through the environment variable named next to
// it; the environment wins.
var (
	flagPort              = flag.IntP("port", "p", 9007, "Local port to listen on (PORT)")
	flagIP                = flag.StringP("ip", "i", "127.0.0.1", "IP address to listen on (IP_ADDRESS)")
	flagTokenfile         = flag.StringP("tokenfile", "t", "", "File containing the token, defaults to ~/.localslackirc (TOKEN for the token itself)")
	flagCookiefile        = flag.StringP("cookiefile", "c", "", "File containing the cookie, needed for xoxc tokens (COOKIE for the cookie itself)")
	flagNoUserList        = flag.BoolP("nouserlist", "u", false, "Don't display userlists (NOUSERLIST)")
	flagAutojoin          = flag.BoolP("autojoin", "j", false, "Automatically join all remote channels (AUTOJOIN)")
	flagNoRejoinOnMention = flag.Bool("no-rejoin-on-mention", false, "Mentions of the username will not cause the channel to be re-joined (NO_REJOIN_ON_MENTION)")
	flagOverride          = flag.BoolP("override", "o", false, "Allow non 127. addresses, this is potentially dangerous (OVERRIDE_LOCAL_IP)")
	flagStatusFile        = flag.StringP("status-file", "f", "", "Path to the file to keep the internal status (STATUS_FILE)")
	flagIgnoredChannels   = flag.String("ignored-channels", "", "Comma separated list of channels to not join when autojoin is enabled (IGNORED_CHANNELS)")
	flagDownloadsDir      = flag.String("downloads-directory", "/tmp", "Where to create files for automatic downloads (DOWNLOADS_DIRECTORY)")
	flagFormattedMaxLines = flag.Int("formatted-max-lines", 0, "Maximum amount of lines in a formatted text to send to the client rather than store in a file. 0 sends everything to the client (FORMATTED_MAX_LINES)")
	flagSilencedYellers   = flag.String("silenced-yellers", "", "Comma separated list of nicknames that won't generate notifications when using @channel and @here (SILENCED_YELLERS)")
	flagControlSocket     = flag.String("control-socket", "", "Path to where the unix control socket will be (CONTROL_SOCKET)")
	logLevel              = flag.StringP("loglevel", "L", "info", fmt.Sprintf("Log level. One of %v", getLogLevels()))
	flagVersion           = flag.BoolP("version", "v", false, "Print version and exit")
)

var log = logger.GetLogger("main")

var logLevels = map[string]func(*logrus.Logger){
	"none":    func(l *logrus.Logger) { l.SetOutput(io.Discard) },
	"debug":   func(l *logrus.Logger) { l.SetLevel(logrus.DebugLevel) },
	"info":    func(l *logrus.Logger) { l.SetLevel(logrus.InfoLevel) },
	"warning": func(l *logrus.Logger) { l.SetLevel(logrus.WarnLevel) },
	"error":   func(l *logrus.Logger) { l.SetLevel(logrus.ErrorLevel) },
	"fatal":   func(l *logrus.Logger) { l.SetLevel(logrus.FatalLevel) },
}

func getLogLevels() []string {
	var levels []string
	for k := range logLevels {
		levels = append(levels, k)
	}
	return levels
}

func envStr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		return strings.ToLower(v) == "true"
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	if v, ok := os.LookupEnv(key); ok {
		return strconv.Atoi(v)
	}
	return fallback, nil
}

// firstLine reads the first line of a credentials file.
func firstLine(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), nil
}

// commaSet splits a comma separated list into a set, skipping empty items.
func commaSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			set[item] = true
		}
	}
	return set
}

func main() {
	flag.Parse()
	if *flagVersion {
		fmt.Printf("%s version %s\n", ProgramName, Version)
		os.Exit(0)
	}

	fn, ok := logLevels[*logLevel]
	if !ok {
		log.Fatalf("Invalid log level '%s'. Valid log levels are %v", *logLevel, getLogLevels())
	}
	fn(log.Logger)

	ip := envStr("IP_ADDRESS", *flagIP)
	override := envBool("OVERRIDE_LOCAL_IP", *flagOverride)
	if !strings.HasPrefix(ip, "127") && !override {
		log.Fatalf("The supplied ip is not local. localslackirc has no encryption or " +
			"authentication, it is recommended to only allow local connections. " +
			"Override with -o if you know what you are doing")
	}
	port, err := envInt("PORT", *flagPort)
	if err != nil {
		log.Fatalf("PORT is not a valid int")
	}

	token, ok := os.LookupEnv("TOKEN")
	if !ok {
		tokenfile := *flagTokenfile
		if tokenfile == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				log.Fatalf("Cannot locate the home directory: %v", err)
			}
			tokenfile = home + "/.localslackirc"
		}
		token, err = firstLine(tokenfile)
		if err != nil {
			log.Fatalf("Unable to read the token file %s: %v", tokenfile, err)
		}
	}
	cookie, ok := os.LookupEnv("COOKIE")
	if !ok && *flagCookiefile != "" {
		cookie, err = firstLine(*flagCookiefile)
		if err != nil {
			log.Fatalf("Unable to read the cookie file %s: %v", *flagCookiefile, err)
		}
	}
	if strings.HasPrefix(token, "xoxc-") && cookie == "" {
		log.Fatalf("The cookie is needed for this kind of slack token")
	}

	autojoin := envBool("AUTOJOIN", *flagAutojoin)
	ignoredChannels := make(map[string]bool)
	if autojoin {
		for name := range commaSet(envStr("IGNORED_CHANNELS", *flagIgnoredChannels)) {
			if !strings.HasPrefix(name, "#") {
				name = "#" + name
			}
			ignoredChannels[name] = true
		}
	}
	formattedMaxLines, err := envInt("FORMATTED_MAX_LINES", *flagFormattedMaxLines)
	if err != nil {
		log.Fatalf("FORMATTED_MAX_LINES is not a valid int")
	}

	settings := irc.Settings{
		NoUserList:         envBool("NOUSERLIST", *flagNoUserList),
		AutoJoin:           autojoin,
		NoRejoinOnMention:  envBool("NO_REJOIN_ON_MENTION", *flagNoRejoinOnMention),
		IgnoredChannels:    ignoredChannels,
		SilencedYellers:    commaSet(envStr("SILENCED_YELLERS", *flagSilencedYellers)),
		DownloadsDirectory: envStr("DOWNLOADS_DIRECTORY", *flagDownloadsDir),
		FormattedMaxLines:  formattedMaxLines,
	}
	if err := settings.Verify(); err != nil {
		log.Fatalf("Invalid settings: %v", err)
	}

	statusFile := envStr("STATUS_FILE", *flagStatusFile)
	controlSocket := envStr("CONTROL_SOCKET", *flagControlSocket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Infof("Received %v, exiting", s)
		os.Exit(0)
	}()

	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	log.Infof("Listening on %s", addr)
	for {
		if err := session(addr, token, cookie, statusFile, controlSocket, settings); err != nil {
			log.Fatalf("Session failed: %v", err)
		}
		log.Infof("IRC disconnected")
	}
}

// session serves one IRC client: accept a single connection, log in to the
// chat side and pump both directions until the client disconnects.
func session(addr, token, cookie, statusFile, controlSocket string, settings irc.Settings) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	conn, err := l.Accept()
	l.Close()
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Infof("Accepted IRC connection from %v", conn.RemoteAddr())

	var status []byte
	if statusFile != "" {
		// A missing status file just means a fresh start.
		status, _ = os.ReadFile(statusFile)
	}
	sl, err := slack.NewClient(token, cookie, status)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sl.Login(ctx); err != nil {
		sl.Close()
		return err
	}

	client := irc.NewClient(conn, sl, settings)

	errCh := make(chan error, 3)
	go func() {
		errCh <- client.Serve(ctx, conn)
	}()
	go func() {
		for {
			ev, err := sl.Event(ctx)
			if err != nil {
				errCh <- err
				return
			}
			if ev == nil {
				continue
			}
			if err := client.SlackEvent(ctx, ev); err != nil {
				errCh <- err
				return
			}
		}
	}()
	if controlSocket != "" {
		go func() {
			errCh <- control.Listen(ctx, controlSocket, client)
		}()
	}

	err = <-errCh
	cancel()

	log.Infof("Closing connections")
	sl.Close()
	if statusFile != "" {
		blob, serr := sl.GetStatus()
		if serr != nil {
			log.Warningf("Cannot serialize status: %v", serr)
		} else if werr := os.WriteFile(statusFile, blob, 0o600); werr != nil {
			log.Warningf("Cannot write status to %s: %v", statusFile, werr)
		} else {
			log.Infof("Wrote status to %s", statusFile)
		}
	}

	if errors.Is(err, irc.ErrDisconnect) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
