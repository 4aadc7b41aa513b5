package mikrotik

import (
	"context"
	"fmt"
	"strings"

	"go-wisp/internal/device"
	"go-wisp/internal/models"
)

// SetServiceEnabled enables or disables the PPP secret identified by ref
// (a ".id" like "*1A", or the secret name). The secret is only written when
// its state differs. Disabling also removes any live session for the secret
// so the cut takes effect immediately; a failed removal is only logged.
func (c *Client) SetServiceEnabled(ctx context.Context, dev models.Device, ref string, enabled bool) error {
	if ref == "" {
		return fmt.Errorf("%w: empty service reference", device.ErrServiceNotFound)
	}

	return c.withSession(ctx, dev, func(s Session) error {
		res, err := s.Run("/ppp/secret/print", secretQuery(ref))
		if err != nil {
			return fmt.Errorf("lookup ppp secret %s on %s: %w", ref, dev.Host, err)
		}
		if len(res.Re) == 0 {
			return fmt.Errorf("%w: ppp secret %s on %s", device.ErrServiceNotFound, ref, dev.Host)
		}

		secret := res.Re[0].Map
		id := secret[".id"]
		if id == "" {
			id = ref
		}
		disabled := isTrue(secret["disabled"])

		if disabled == !enabled {
			c.logger.Debug().Str("host", dev.Host).Str("ref", ref).Bool("enabled", enabled).Msg("ppp secret already in target state")
		} else {
			value := "no"
			if !enabled {
				value = "yes"
			}
			if _, err := s.Run("/ppp/secret/set", "=.id="+id, "=disabled="+value); err != nil {
				return fmt.Errorf("set ppp secret %s disabled=%s on %s: %w", ref, value, dev.Host, err)
			}
			c.logger.Info().Str("host", dev.Host).Str("ref", ref).Bool("enabled", enabled).Msg("ppp secret updated")
		}

		if !enabled {
			c.disconnect(s, dev, secret["name"])
		}
		return nil
	})
}

// disconnect removes the active PPP sessions of user
func (c *Client) disconnect(s Session, dev models.Device, user string) {
	if user == "" {
		return
	}

	res, err := s.Run("/ppp/active/print", "?name="+user)
	if err != nil {
		c.logger.Warn().Err(err).Str("host", dev.Host).Str("user", user).Msg("failed to list active ppp sessions")
		return
	}

	for _, re := range res.Re {
		id := re.Map[".id"]
		if _, err := s.Run("/ppp/active/remove", "=.id="+id); err != nil {
			c.logger.Warn().Err(err).Str("host", dev.Host).Str("user", user).Str("session", id).Msg("failed to disconnect ppp session")
		}
	}
}

func secretQuery(ref string) string {
	if strings.HasPrefix(ref, "*") {
		return "?.id=" + ref
	}
	return "?name=" + ref
}

func isTrue(v string) bool {
	return v == "true" || v == "yes"
}
