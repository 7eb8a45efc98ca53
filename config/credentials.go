package config

import (
	"os"
	"strconv"
	"strings"

	"cryptotrack/models"
)

// VenueCredentials reads <VENUE>_API_KEY, <VENUE>_API_SECRET,
// <VENUE>_PASSPHRASE and <VENUE>_SANDBOX. ok is false when no key is set.
func VenueCredentials(venue models.VenueID) (models.Credentials, bool) {
	prefix := strings.ToUpper(string(venue)) + "_"
	creds := models.Credentials{
		APIKey:     strings.TrimSpace(os.Getenv(prefix + "API_KEY")),
		APISecret:  strings.TrimSpace(os.Getenv(prefix + "API_SECRET")),
		Passphrase: strings.TrimSpace(os.Getenv(prefix + "PASSPHRASE")),
	}
	if v := os.Getenv(prefix + "SANDBOX"); v != "" {
		creds.SandboxMode, _ = strconv.ParseBool(v)
	} else {
		creds.SandboxMode = !IsProductionLike(AppEnvironment())
	}
	return creds, creds.APIKey != ""
}
