package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/salon-conversation-engine/internal/db"
)

type menuSeed struct {
	name     string
	category string
	price    float64
	keywords []string
}

var menu = []menuSeed{
	{"Haircut", "Hair", 45, []string{"haircut", "cut", "trim"}},
	{"Hair Coloring", "Hair", 120, []string{"color", "dye", "highlights"}},
	{"Blowout", "Hair", 35, []string{"blowout", "blow dry"}},
	{"Manicure", "Nails", 30, []string{"manicure", "nails"}},
	{"Pedicure", "Nails", 40, []string{"pedicure"}},
	{"Facial", "Skin", 80, []string{"facial", "skin"}},
	{"Eyebrow Design", "Brows", 25, []string{"eyebrow", "brows"}},
	{"Massage", "Spa", 90, []string{"massage"}},
}

var genericRules = map[string]string{
	"price":    "pricing",
	"how much": "pricing",
	"cost":     "pricing",
	"open":     "hours",
	"hours":    "hours",
	"where":    "location",
	"address":  "location",
}

var upsells = [][3]string{
	{"Haircut", "Blowout", "Want to leave with a fresh blowout too?"},
	{"Manicure", "Pedicure", "Many clients pair this with a pedicure."},
	{"Facial", "Eyebrow Design", "An eyebrow design finishes the look nicely."},
}

var faq = [][2]string{
	{"Do you take walk-ins?", "Yes, when there is a free slot. Booking ahead is safer on Saturdays."},
	{"Which payment methods do you accept?", "Cash, debit and credit cards, and Pix."},
	{"Is there parking?", "There is street parking in front and a paid lot around the corner."},
}

var specialties = []string{"colour", "cuts", "nails", "skin care", "brows", "massage"}

func main() {
	contacts := flag.Int("contacts", 200, "fake contacts to create")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	logger.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, 4)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		logger.Error("ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	steps := []struct {
		name string
		run  func(context.Context, *pgxpool.Pool) error
	}{
		{"menu", seedMenu},
		{"business hours", seedHours},
		{"tag rules", seedTagRules},
		{"business profile", seedBusiness},
		{"contacts", func(ctx context.Context, pool *pgxpool.Pool) error { return seedContacts(ctx, pool, *contacts) }},
	}
	for _, s := range steps {
		if err := s.run(ctx, pool); err != nil {
			logger.Error("seed "+s.name, slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info(s.name + " seeded")
	}

	logger.Info("seed complete")
}

func seedMenu(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, m := range menu {
		_, err := tx.Exec(ctx, `
			INSERT INTO menu_items (name, category, price, description, is_active)
			VALUES ($1, $2, $3, $4, TRUE)
			ON CONFLICT (name) DO UPDATE SET category = EXCLUDED.category, price = EXCLUDED.price
		`, m.name, m.category, m.price, fmt.Sprintf("%s %s, done by our team.", gofakeit.Adjective(), strings.ToLower(m.name)))
		if err != nil {
			return fmt.Errorf("insert %s: %w", m.name, err)
		}
	}

	return tx.Commit(ctx)
}

// seedHours opens Monday to Saturday 09:00-19:00 with quiet hours 22:00-07:00
// every day. Sunday is closed.
func seedHours(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for day := time.Sunday; day <= time.Saturday; day++ {
		var open, closing *string
		if day != time.Sunday {
			o, c := "09:00", "19:00"
			open, closing = &o, &c
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO business_hours (day_of_week, open_time, close_time, quiet_start, quiet_end)
			VALUES ($1, $2::time, $3::time, '22:00', '07:00')
			ON CONFLICT (day_of_week) DO UPDATE
			SET open_time = EXCLUDED.open_time, close_time = EXCLUDED.close_time,
			    quiet_start = EXCLUDED.quiet_start, quiet_end = EXCLUDED.quiet_end
		`, int(day), open, closing)
		if err != nil {
			return fmt.Errorf("insert %s: %w", day, err)
		}
	}

	return tx.Commit(ctx)
}

func seedTagRules(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM tag_rules`); err != nil {
		return err
	}

	insert := func(keyword, tag string) error {
		_, err := tx.Exec(ctx, `INSERT INTO tag_rules (keyword, tag) VALUES ($1, $2)`, keyword, tag)
		return err
	}
	for _, m := range menu {
		tag := "interest:" + strings.ToLower(strings.ReplaceAll(m.name, " ", "-"))
		for _, kw := range m.keywords {
			if err := insert(kw, tag); err != nil {
				return err
			}
		}
	}
	for kw, tag := range genericRules {
		if err := insert(kw, tag); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// seedBusiness replaces the profile, upsell rules, FAQ and staff roster.
func seedBusiness(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO business_profile (id, business_name, business_description, address, phone_number)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET business_name = EXCLUDED.business_name, business_description = EXCLUDED.business_description,
		    address = EXCLUDED.address, phone_number = EXCLUDED.phone_number
	`, gofakeit.Company()+" Salon", "Hair, nails and skin care in the neighbourhood.",
		gofakeit.Street()+", "+gofakeit.City(), gofakeit.Phone())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	for _, stmt := range []string{`DELETE FROM upsell_rules`, `DELETE FROM business_knowledge`, `DELETE FROM staff_members`} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}

	for _, u := range upsells {
		_, err := tx.Exec(ctx, `
			INSERT INTO upsell_rules (trigger_item_id, upsold_item_id, suggestion_text)
			SELECT t.id, s.id, $3
			FROM menu_items t, menu_items s
			WHERE t.name = $1 AND s.name = $2
		`, u[0], u[1], u[2])
		if err != nil {
			return fmt.Errorf("insert upsell %s: %w", u[0], err)
		}
	}
	for _, qa := range faq {
		if _, err := tx.Exec(ctx, `INSERT INTO business_knowledge (question, answer) VALUES ($1, $2)`, qa[0], qa[1]); err != nil {
			return err
		}
	}
	for i := 0; i < 4; i++ {
		picked := gofakeit.RandomString(specialties) + ", " + gofakeit.RandomString(specialties)
		if _, err := tx.Exec(ctx, `INSERT INTO staff_members (name, specialties) VALUES ($1, $2)`, gofakeit.FirstName(), picked); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func seedContacts(ctx context.Context, pool *pgxpool.Pool, count int) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			phone := "55" + gofakeit.Numerify("119########")
			name := gofakeit.FirstName()
			confirmed := gofakeit.Bool()

			_, err := tx.Exec(ctx, `
				INSERT INTO contacts (contact_id, name, is_name_confirmed)
				VALUES ($1, $2, $3)
				ON CONFLICT (contact_id) DO NOTHING
			`, phone, name, confirmed)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	return nil
}
