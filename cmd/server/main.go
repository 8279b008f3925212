package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	_ "github.com/joho/godotenv/autoload"
	"github.com/theLastOfCats/audiosync/internal/api"
	"github.com/theLastOfCats/audiosync/internal/auth"
	"github.com/theLastOfCats/audiosync/internal/db"
)

func main() {
	// Initialize Auth
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	auth.Init(jwtSecret)

	// Initialize Database
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "data/audiosync.db"
	}
	database, err := db.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	mediaDir := os.Getenv("MEDIA_DIR")
	if mediaDir == "" {
		mediaDir = "data/media"
	}

	var admins []string
	for _, email := range strings.Split(os.Getenv("ADMIN_EMAILS"), ",") {
		if email = strings.TrimSpace(strings.ToLower(email)); email != "" {
			admins = append(admins, email)
		}
	}
	if len(admins) == 0 {
		log.Printf("WARNING: ADMIN_EMAILS not set, any user may publish library changes")
	}

	router := api.NewRouter(database, api.RouterConfig{
		MediaDir:            mediaDir,
		AdminEmails:         admins,
		DisableRegistration: os.Getenv("ALLOW_NEW_REGISTER") == "false",
	})

	// Start Server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("Server starting on port %s (%s database)...", port, database.Dialect)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
