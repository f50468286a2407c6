package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/storage"
	"github.com/solsight/solsight/pkg/types"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	user := types.User{
		ID:    "seed-user",
		Email: "seed@example.com",
	}
	if err := s.CreateUser(ctx, user); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create user", "error", err)
		os.Exit(1)
	}

	plant := types.Plant{
		ID:            "seed-plant",
		UserID:        user.ID,
		Name:          "Demo Rooftop",
		Vendor:        types.VendorManual,
		VendorPlantID: "seed-plant",
		CapacityKW:    8.0,
		AutoSync:      false,
	}
	if err := s.UpsertPlant(ctx, plant); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create plant", "error", err)
		os.Exit(1)
	}

	const (
		SolarPeakKW = 8.0
		// nominal per-reading interval
		step = 15 * time.Minute
	)

	now := time.Now()
	// Midnight to now
	start := now.Truncate(24 * time.Hour)

	var readings []types.CanonicalReading
	var cumulativeWH float64
	for t := start; t.Before(now); t = t.Add(step) {
		hour := float64(t.Hour()) + float64(t.Minute())/60

		// Solar output follows a bell curve centered on early afternoon
		powerKW := 0.0
		if hour > 6 && hour < 19 {
			dist := math.Abs(hour - 13.0)
			powerKW = SolarPeakKW * math.Exp(-(dist*dist)/12.0)
			// Jitter for passing clouds
			powerKW *= 0.9 + rng.Float64()*0.2
		}

		cumulativeWH += powerKW * 1000 * step.Hours()
		readings = append(readings, types.CanonicalReading{
			PlantID:   plant.ID,
			Timestamp: t,
			PowerW:    powerKW * 1000,
			EnergyWH:  cumulativeWH,
			Vendor:    types.VendorManual,
			Source:    types.SourceManual,
		})
	}

	if err := s.UpsertReadings(ctx, plant.ID, readings); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store readings", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data",
		"plantID", plant.ID,
		"readings", len(readings),
	)

	if err := s.Close(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
	}
}
