package redis_scripts

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	PresenceRelease = "presence_release"
	PresenceReclaim = "presence_reclaim"
)

//go:embed *.lua
var fs embed.FS

var scripts = mustParse()

func mustParse() map[string]*redis.Script {
	files, err := fs.ReadDir(".")
	if err != nil {
		panic(fmt.Errorf("read embed dir: %w", err))
	}
	out := make(map[string]*redis.Script, len(files))
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".lua") {
			continue
		}
		code, err := fs.ReadFile(f.Name())
		if err != nil {
			panic(err)
		}
		out[strings.TrimSuffix(f.Name(), ".lua")] = redis.NewScript(string(code))
	}
	return out
}

// Get returns the embedded script with the given name. Unknown names panic:
// they are compile-time constants of this package.
func Get(name string) *redis.Script {
	s, ok := scripts[name]
	if !ok {
		panic("redis_scripts: unknown script " + name)
	}
	return s
}

// LoadAll pushes every embedded script into the Redis script cache so the
// first EVALSHA does not pay for a NOSCRIPT round trip.
func LoadAll(ctx context.Context, rdb redis.Scripter) error {
	for name, s := range scripts {
		if err := s.Load(ctx, rdb).Err(); err != nil {
			return fmt.Errorf("load lua %s: %w", name, err)
		}
		zap.L().Info("lua script loaded", zap.String("script", name))
	}
	return nil
}
