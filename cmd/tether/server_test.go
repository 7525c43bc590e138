package main

import (
	"testing"
	"time"

	"github.com/cuemby/tether/pkg/config"
	"github.com/cuemby/tether/pkg/stream"
	"github.com/stretchr/testify/assert"
)

func TestGuardConfig(t *testing.T) {
	tests := []struct {
		name          string
		settings      config.ServerSettings
		wantTTL       time.Duration
		wantHeartbeat time.Duration
	}{
		{
			name:          "production defaults",
			settings:      config.ServerSettings{Environment: config.Production},
			wantTTL:       stream.ProductionLockTTL,
			wantHeartbeat: 30 * time.Second,
		},
		{
			name:          "development defaults",
			settings:      config.ServerSettings{Environment: config.Development},
			wantTTL:       stream.DevelopmentLockTTL,
			wantHeartbeat: stream.DevelopmentLockTTL / 3,
		},
		{
			name:          "explicit ttl",
			settings:      config.ServerSettings{Environment: config.Production, LockTTL: time.Minute},
			wantTTL:       time.Minute,
			wantHeartbeat: 20 * time.Second,
		},
		{
			name:          "explicit heartbeat",
			settings:      config.ServerSettings{Environment: config.Development, HeartbeatInterval: time.Second},
			wantTTL:       stream.DevelopmentLockTTL,
			wantHeartbeat: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := guardConfig(&tt.settings)
			assert.Equal(t, tt.wantTTL, cfg.LockTTL)
			assert.Equal(t, tt.wantHeartbeat, cfg.HeartbeatInterval)
		})
	}
}
