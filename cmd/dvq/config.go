package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/dvtools/dvq/internal/client"
	"github.com/dvtools/dvq/internal/pool"
	"github.com/dvtools/dvq/internal/tds"
)

// knobs are the tunables every command shares. Core packages receive these
// as plain option structs; only the CLI reads viper.
type knobs struct {
	MaxConcurrent  int
	PageSize       int
	BatchSize      int
	MaxRows        int
	TDSPort        int
	ProbeTimeoutMs int
	RetryCap       int
}

func loadKnobs() knobs {
	viper.SetDefault("maxConcurrent", 0) // 0 = probe or default
	viper.SetDefault("pageSize", 0)
	viper.SetDefault("batchSize", 500)
	viper.SetDefault("maxRows", 0)
	viper.SetDefault("tdsPort", tds.DefaultPort)
	viper.SetDefault("probeTimeoutMs", 2000)
	viper.SetDefault("retryCap", 5)
	return knobs{
		MaxConcurrent:  viper.GetInt("maxConcurrent"),
		PageSize:       viper.GetInt("pageSize"),
		BatchSize:      viper.GetInt("batchSize"),
		MaxRows:        viper.GetInt("maxRows"),
		TDSPort:        viper.GetInt("tdsPort"),
		ProbeTimeoutMs: viper.GetInt("probeTimeoutMs"),
		RetryCap:       viper.GetInt("retryCap"),
	}
}

func environmentURL() (string, error) {
	env := viper.GetString("env")
	if env == "" {
		return "", fmt.Errorf("no environment: pass --env or set DVQ_ENV")
	}
	return env, nil
}

// newPool builds the shared connection pool from a token-based Web API seed.
func newPool(ctx context.Context, k knobs) (*pool.Pool, error) {
	env, err := environmentURL()
	if err != nil {
		return nil, err
	}
	token := viper.GetString("accessToken")
	if token == "" {
		return nil, fmt.Errorf("no access token: set DVQ_ACCESSTOKEN or accessToken in config")
	}
	sets := viper.GetStringMapString("entitySets")

	factory := func(ctx context.Context) (client.Client, error) {
		c := client.NewWebAPI(env, token)
		if len(sets) > 0 {
			c.EntitySets = sets
		}
		return c, nil
	}
	return pool.New(ctx, factory, pool.Options{
		MaxConcurrent: k.MaxConcurrent,
		ProbeTimeout:  time.Duration(k.ProbeTimeoutMs) * time.Millisecond,
	})
}
