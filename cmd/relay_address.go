package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"goldrenard/discovery"
)

// browseRelays is replaced in tests.
var browseRelays = discovery.Browse

// resolveRelay returns explicit when set, otherwise the first relay found
// over mDNS within timeout.
func (a *app) resolveRelay(ctx context.Context, explicit string, timeout time.Duration) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	relays, err := browseRelays(ctx, discovery.Config{
		NodeID:      a.env.cfg.NodeID,
		ScanTimeout: timeout,
	})
	if err != nil {
		return "", err
	}
	if len(relays) == 0 {
		return "", errors.New("no relay found on the local network, pass --relay")
	}

	chosen := relays[0]
	a.env.logger.WithFields(logrus.Fields{
		"name":    chosen.Name,
		"address": chosen.Address(),
		"found":   len(relays),
	}).Info("using discovered relay")
	return chosen.Address(), nil
}
