// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/softphone"
	"github.com/emiago/softphone/audio"
	"github.com/emiago/softphone/internal/config"
	"github.com/emiago/softphone/internal/httpapi"
	"github.com/emiago/softphone/media"
	"github.com/emiago/softphone/sipstack"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type action int

const (
	actionRegister action = iota
	actionDial
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	bind := flag.String("bind", "", "SIP bind host, overrides config")
	port := flag.Int("port", -1, "SIP bind port, overrides config")
	httpListen := flag.String("http", "", "HTTP control surface listen address, overrides config")
	capture := flag.String("capture", "", "WAV file used as microphone, overrides config")
	playback := flag.String("playback", "", "WAV file receiving call audio, overrides config")
	noise := flag.String("noise", "", "Noise suppression level off|low|medium|high, overrides config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)
	sip.SIPDebug = os.Getenv("SIP_DEBUG") == "true"
	media.RTPDebug = os.Getenv("RTP_DEBUG") == "true"

	conf := config.Default()
	if *configPath != "" {
		if conf, err = config.Load(*configPath); err != nil {
			log.Fatal().Err(err).Msg("Loading configuration failed")
		}
	}
	if *bind != "" {
		conf.Transport.BindHost = *bind
	}
	if *port >= 0 {
		conf.Transport.BindPort = *port
	}
	if *httpListen != "" {
		conf.HTTP.Listen = *httpListen
	}
	if *capture != "" {
		conf.Devices.CaptureWav = *capture
	}
	if *playback != "" {
		conf.Devices.PlaybackWav = *playback
	}
	if *noise != "" {
		conf.Devices.NoiseSuppression = *noise
	}
	if err := conf.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if err := run(ctx, conf, os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Softphone finished with error")
	}
}

func run(ctx context.Context, conf *config.Config, in io.Reader, out io.Writer) error {
	stack, err := newStack(conf)
	if err != nil {
		return err
	}
	defer stack.Close()

	if err := stack.ServeBackground(ctx); err != nil {
		return fmt.Errorf("serving SIP: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	phone, err := softphone.NewPhone(stack,
		softphone.WithMetrics(softphone.NewMetrics(reg)),
		softphone.WithMediaPipeline(newPipeline(conf)),
	)
	if err != nil {
		return err
	}

	if len(conf.Codecs) > 0 {
		if err := phone.RestrictCodecs(conf.Codecs); err != nil {
			log.Warn().Err(err).Msg("Some configured codecs are invalid")
		}
	}

	if conf.HTTP.Listen != "" {
		api := httpapi.NewServer(phone, httpapi.WithGatherer(reg))
		defer api.Close()
		srv := &http.Server{Addr: conf.HTTP.Listen, Handler: api.Router()}
		go func() {
			log.Info().Str("addr", conf.HTTP.Listen).Msg("HTTP control surface listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server failed")
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		}()
	}

	actions := make(chan action, 4)
	next := func(a action) {
		if ctx.Err() != nil {
			return
		}
		select {
		case actions <- a:
		default:
		}
	}

	cons := newConsole(in, out)
	phone.OnRegistrationStateChanged(func(ev softphone.RegistrationStateChange) {
		cons.printf("Phone line state changed: %s\n", ev.State)
		switch ev.State {
		case softphone.LineFailed:
			cons.printf("Registration failed: %s\n", ev.Reason)
			next(actionRegister)
		case softphone.LineIdle:
			next(actionRegister)
		case softphone.LineRegistered:
			cons.printf("Registration succeeded - ONLINE\n")
			next(actionDial)
		}
	})
	phone.OnIncomingCall(func(call *softphone.Call) {
		cons.printf("\nIncoming call from %s!\n", call.RemoteAddress())
		if err := phone.AcceptCall(); err != nil {
			cons.printf("Accepting call failed: %s\n", err)
		}
	})
	phone.OnCallStateChanged(func(ev softphone.CallStateChange) {
		cons.printf("Call state changed: %s\n", ev.State)
		if ev.State == softphone.CallError {
			cons.printf("Call error occurred. %s\n", ev.Reason)
		}
		if ev.State.IsTerminal() {
			next(actionDial)
		}
	})

	cons.printf("Softphone demo\n")
	cons.printf("- registers SIP account, dials typed number and answers incoming calls automatically\n")
	cons.printf("-------------------------------------------------------------------------------\n")

	acc := conf.SoftphoneAccount()
	if conf.Account.AuthenticationID != "" {
		register(phone, conf, acc, cons, next)
	} else {
		next(actionRegister)
	}

	inputErr := make(chan error, 1)
	go func() {
		for a := range actions {
			var err error
			switch a {
			case actionRegister:
				err = promptRegister(phone, conf, cons, next)
			case actionDial:
				err = promptDial(phone, cons, next)
			}
			if err != nil {
				inputErr <- err
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		cons.printf("\nShutting down\n")
	case err := <-inputErr:
		if !errors.Is(err, io.EOF) {
			log.Error().Err(err).Msg("Reading input failed")
		}
	}
	return shutdown(phone)
}

func newStack(conf *config.Config) (*sipstack.Stack, error) {
	opts := []sipstack.Option{
		sipstack.WithLogger(log.With().Str("caller", "sipstack").Logger()),
		sipstack.WithBindAddr(conf.Transport.BindHost, conf.Transport.BindPort),
		sipstack.WithRTPPortRange(conf.RTPPortStart, conf.RTPPortEnd),
		sipstack.WithDialTimeout(conf.DialTimeout),
	}
	if conf.Transport.ExternalHost != "" {
		opts = append(opts, sipstack.WithExternalHost(conf.Transport.ExternalHost))
	}
	if conf.TransportMode() == softphone.TransportTLS {
		tlsConf := &tls.Config{InsecureSkipVerify: conf.Transport.TLSInsecure}
		if conf.Transport.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(conf.Transport.TLSCert, conf.Transport.TLSKey)
			if err != nil {
				return nil, fmt.Errorf("load TLS certificate: %w", err)
			}
			tlsConf.Certificates = []tls.Certificate{cert}
		}
		opts = append(opts, sipstack.WithTLS(conf.Transport.TLSPort, tlsConf))
	}
	return sipstack.New(opts...)
}

func newPipeline(conf *config.Config) *softphone.MediaPipeline {
	var opts []softphone.MediaPipelineOption
	if p := conf.Devices.CaptureWav; p != "" {
		opts = append(opts, softphone.WithCaptureDevice(audio.NewWavCaptureDevice("microphone", p)))
	}
	if p := conf.Devices.PlaybackWav; p != "" {
		opts = append(opts, softphone.WithPlaybackDevice(audio.NewWavPlaybackDevice("speaker", p)))
	}
	if lev := conf.NoiseLevel(); lev != audio.NoiseLevelOff {
		opts = append(opts, softphone.WithCaptureProcessor(audio.NewNoiseSuppressor("noise-suppressor", lev)))
	}
	return softphone.NewMediaPipeline(opts...)
}

func register(phone *softphone.Phone, conf *config.Config, acc softphone.Account, cons *console, next func(action)) {
	cons.printf("\nCreating SIP account and trying to register....\n\n")
	if _, err := phone.Register(acc, conf.TransportMode(), conf.SRTPMode()); err != nil {
		cons.printf("Registration rejected: %s\n", err)
		var cerr *softphone.ConfigurationError
		if errors.As(err, &cerr) {
			next(actionRegister)
		}
	}
}

func promptRegister(phone *softphone.Phone, conf *config.Config, cons *console, next func(action)) error {
	acc, err := cons.readAccount()
	if err != nil {
		return err
	}
	register(phone, conf, acc, cons, next)
	return nil
}

func promptDial(phone *softphone.Phone, cons *console, next func(action)) error {
	if phone.ActiveCall() != nil {
		return nil
	}
	number, err := cons.readNumber()
	if err != nil {
		return err
	}
	if number == "codecs" {
		if err := cons.selectCodecs(phone); err != nil {
			return err
		}
		next(actionDial)
		return nil
	}
	if _, err := phone.StartCall(number); err != nil {
		cons.printf("Call failed: %s\n", err)
		var cerr *softphone.ConfigurationError
		if errors.As(err, &cerr) {
			next(actionDial)
		}
	}
	return nil
}

// shutdown hangs up, waits for unregister and closes phone
func shutdown(phone *softphone.Phone) error {
	if err := phone.HangUp(); err != nil {
		log.Error().Err(err).Msg("Hangup failed")
	}

	if line := phone.Line(); line != nil && line.State() != softphone.LineIdle {
		idle := make(chan struct{})
		unsub := phone.OnRegistrationStateChanged(func(ev softphone.RegistrationStateChange) {
			if ev.State == softphone.LineIdle {
				select {
				case <-idle:
				default:
					close(idle)
				}
			}
		})
		if err := phone.Unregister(); err == nil {
			select {
			case <-idle:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Unregister not confirmed")
			}
		}
		unsub()
	}
	return phone.Close()
}
