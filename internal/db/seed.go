package db

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// seedTables lists every table the seeder resets, children first so
// foreign-key order holds on MySQL.
var seedTables = []string{
	"audit_events", "votes", "match_reveals", "mutual_yes_pairs",
	"match_histories", "matches", "queue_entries", "blocks",
	"preferences", "user_match_states", "users",
}

// SeedTestData resets the database and populates it with demo users.
//
// Behavior:
//  1. Clears every matchmaking table.
//  2. Creates 20 users (10 male, 10 female) with hashed passwords,
//     ages 21-40 and coordinates scattered around central London.
//  3. Gives each user a preference band wide enough that the demo
//     queue produces exact-tier matches.
//
// Compatible with both MySQL and SQLite (AUTO_INCREMENT reset skipped for SQLite).
func SeedTestData(db *gorm.DB) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for _, table := range seedTables {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	// Reset auto-increment sequences (only for MySQL)
	switch db.Dialector.Name() {
	case "mysql":
		db.Exec("ALTER TABLE users AUTO_INCREMENT = 1")
		db.Exec("ALTER TABLE queue_entries AUTO_INCREMENT = 1")
	case "sqlite":
		db.Exec("DELETE FROM sqlite_sequence WHERE name = 'users'")
		db.Exec("DELETE FROM sqlite_sequence WHERE name = 'queue_entries'")
	}

	log.Println("Cleared existing data")

	for i := 1; i <= 20; i++ {
		username := fmt.Sprintf("user%d", i)
		email := fmt.Sprintf("user%d@example.com", i)

		hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		gender := "male"
		if i > 10 {
			gender = "female"
		}

		user := User{
			Username:     username,
			Email:        email,
			PasswordHash: string(hash),
			Gender:       gender,
			Active:       true,
			Age:          21 + r.Intn(20),
			// ~0.2 degrees of jitter keeps everyone within ~25 km.
			Lat: 51.5074 + (r.Float64()-0.5)*0.4,
			Lng: -0.1278 + (r.Float64()-0.5)*0.4,
		}
		if err := db.Create(&user).Error; err != nil {
			return fmt.Errorf("failed to seed user: %w", err)
		}

		pref := Preference{
			UserID:        user.ID,
			MinAge:        18 + r.Intn(5),
			MaxAge:        35 + r.Intn(10),
			MaxDistanceKm: 50 + r.Intn(100),
		}
		if err := db.Create(&pref).Error; err != nil {
			return fmt.Errorf("failed to seed preference: %w", err)
		}

		st := UserMatchState{UserID: user.ID, State: StateIdle}
		if err := db.Create(&st).Error; err != nil {
			return fmt.Errorf("failed to seed state: %w", err)
		}
	}
	log.Println("Seeded 20 users.")

	return nil
}
