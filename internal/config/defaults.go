package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectionName: "hetfs-tiering",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		Placement: PlacementConfig{
			MaxExtentsPerMap: 65536,
			MaxStatsEntries:  1 << 20,
			DefaultBlockSize: ByteSize(4096),
		},
		Policy: PolicyConfig{
			Percentile:   50,
			EvalInterval: 0, // operator-triggered only
		},
		Mover: MoverConfig{
			Kind:        MoverLog,
			NATSSubject: "hetfs.relocate",
			JournalPath: "/var/lib/hetfs/relocations.db",
		},
		Ingest: IngestConfig{
			Enabled:          false,
			Stream:           "HETFS_EVENTS",
			CreateStream:     true,
			MaxAge:           Duration(24 * time.Hour),
			AccessSubject:    "hetfs.events.access",
			PlacementSubject: "hetfs.events.placement",
			ConsumerName:     "hetfs-tiering",
			FetchBatch:       256,
			FetchTimeout:     Duration(5 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
			NATSResponder: NATSResponderConfig{
				Enabled:       false,
				SubjectPrefix: "hetfs",
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stderr",
			},
		},
	}
}
