// Package turn runs a TURN relay for viewers and cameras that cannot reach each other directly.
package turn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/turn/v2"
	"github.com/rs/zerolog/log"

	"github.com/SB-IM/liveview/internal/pkg/pionlog"
)

// Serve starts a relay on UDP port cfg.Port. The caller closes the returned server.
func Serve(ctx context.Context, cfg ConfigOptions) (*turn.Server, error) {
	logger := log.Ctx(ctx).With().Str("component", "turn").Logger()

	keys, err := authKeys(cfg)
	if err != nil {
		return nil, err
	}

	udpListener, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("could not create udp4 listener: %w", err)
	}
	logger.Info().Str("address", udpListener.LocalAddr().String()).Msg("created udp4 listener")

	s, err := turn.NewServer(turn.ServerConfig{
		LoggerFactory: pionlog.New(&logger),
		Realm:         cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := keys[username]
			if !ok {
				logger.Debug().Str("username", username).Str("source", srcAddr.String()).Msg("unknown user")
			}
			return key, ok
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorPortRange{
					RelayAddress: net.ParseIP(cfg.PublicIP),
					Address:      "0.0.0.0",
					MinPort:      uint16(cfg.RelayMinPort),
					MaxPort:      uint16(cfg.RelayMaxPort),
				},
			},
		},
	})
	if err != nil {
		udpListener.Close()
		return nil, fmt.Errorf("could not create TURN server: %w", err)
	}
	logger.Info().
		Uint("min_port", cfg.RelayMinPort).
		Uint("max_port", cfg.RelayMaxPort).
		Str("public_ip", cfg.PublicIP).
		Int("users", len(keys)).
		Msg("started turn server")

	return s, nil
}

// Run serves until ctx is done.
func Run(ctx context.Context, cfg ConfigOptions) error {
	s, err := Serve(ctx, cfg)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// authKeys derives the long-term credential keys of every configured user.
func authKeys(cfg ConfigOptions) (map[string][]byte, error) {
	if net.ParseIP(cfg.PublicIP) == nil {
		return nil, fmt.Errorf("invalid public ip %q", cfg.PublicIP)
	}
	keys := make(map[string][]byte, len(cfg.Users)+1)
	if cfg.Username != "" {
		keys[cfg.Username] = turn.GenerateAuthKey(cfg.Username, cfg.Realm, cfg.Password)
	}
	for _, u := range cfg.Users {
		name, password, ok := strings.Cut(u, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed user %q, want username=password", u)
		}
		keys[name] = turn.GenerateAuthKey(name, cfg.Realm, password)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no TURN users configured")
	}
	return keys, nil
}
