package relay

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/relay/index"
	"github.com/zjrosen/strand/internal/relay/maildir"
)

// watchLoop is the second-chance dispatch path. Files appearing in a
// watched new/ directory that the synchronous path did not write are
// claimed and dispatched like any other delivery. The atomic claim
// rename keeps processing exactly-once even when both paths race.
func (c *Core) watchLoop(ctx context.Context, changes <-chan []string) {
	defer close(c.watchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-changes:
			if !ok {
				return
			}
			for _, path := range batch {
				c.handleWatchedFile(ctx, path)
			}
		}
	}
}

func (c *Core) handleWatchedFile(ctx context.Context, path string) {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".reason.json") || !strings.HasSuffix(base, ".json") {
		return
	}
	name := strings.TrimSuffix(base, ".json")
	if c.recent.Contains(name) {
		return
	}

	// Watched paths are <mailboxes>/<hash>/new/<name>.
	dir := filepath.Dir(path)
	if filepath.Base(dir) != string(maildir.DirNew) {
		return
	}
	hash := filepath.Base(filepath.Dir(dir))
	if _, ok := c.endpoints.ByHash(hash); !ok {
		return
	}

	env, err := c.store.Read(hash, maildir.DirNew, name)
	if err != nil {
		// Mid-write or already claimed; a later event retries.
		return
	}

	// Externally written files have no index row yet.
	if err := c.indexDelivery(name, env, hash, index.StatusNew); err != nil {
		log.ErrorErr(log.CatIndex, "index watched delivery", err, "name", name)
	}
	log.Debug(log.CatWatcher, "second-chance dispatch", "name", name, "hash", hash)
	c.recent.Add(name)
	c.dispatch(ctx, hash, name)
}
