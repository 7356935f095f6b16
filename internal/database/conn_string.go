package database

import (
	"fmt"
	"net/url"

	"github.com/finboard/feedclient/internal/config"
)

// ConnString assembles the recorder database URL from config. The
// password rides in the userinfo section, where url.URL escapes any
// reserved characters it contains.
func ConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}
