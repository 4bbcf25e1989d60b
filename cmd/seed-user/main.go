// seed-user creates or updates a user for local testing and prints a bearer token for it.
// Opening credits are written through the ledger, so balance and history stay consistent.
//
// Usage (from backend directory):
//   API_SECRET=... DB_USER=... DB_PASSWORD=... DB_HOST=... DB_NAME=... go run ./cmd/seed-user -username alice -credits 50
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/utils"
	"gorm.io/gorm"
)

func main() {
	username := flag.String("username", "", "Username to create or update (required)")
	admin := flag.Bool("admin", false, "Grant the admin role (ops endpoints)")
	credits := flag.Int("credits", 0, "Optional: one-time bonus credits to grant")
	lifespan := flag.Duration("token-ttl", 24*time.Hour, "Lifetime of the printed token")
	flag.Parse()

	name := strings.TrimSpace(*username)
	if name == "" {
		fmt.Fprintln(os.Stderr, "-username is required")
		os.Exit(2)
	}
	settings := config.LoadSettings()
	if len(settings.JwtSecret) == 0 {
		fmt.Fprintln(os.Stderr, "API_SECRET is not set")
		os.Exit(2)
	}
	logger := config.NewLogger(settings.LogLevel)
	ctx := context.Background()

	db, err := config.ConnectDatabaseWithRetry(ctx, settings.DB, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	role := "user"
	if *admin {
		role = utils.RoleAdmin
	}

	var user models.User
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("username = ?", name).Take(&user).Error; err != nil {
			if !utils.IsRecordNotFound(err) {
				return err
			}
			user = models.User{Username: name, Role: role}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
		} else if user.Role != role {
			if err := tx.Model(&user).Update("role", role).Error; err != nil {
				return err
			}
		}
		if *credits <= 0 {
			return nil
		}
		exists, err := models.UserCreditEffectExists(tx, user.ID, models.ReferenceTypeSeed, name, models.TransactionTypeBonus)
		if err != nil || exists {
			return err
		}
		_, err = models.AppendCreditTransaction(tx, models.NewCreditTransaction{
			UserId:        user.ID,
			Amount:        *credits,
			Type:          models.TransactionTypeBonus,
			Description:   "Seed credits",
			ReferenceType: models.ReferenceTypeSeed,
			ReferenceId:   name,
			OneTime:       true,
		})
		return err
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}

	token, err := utils.JwtGenerate(settings.JwtSecret, user.ID, user.Username, role, *lifespan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("User id=%d username=%q role=%s\n", user.ID, user.Username, role)
	fmt.Println(token)
}
