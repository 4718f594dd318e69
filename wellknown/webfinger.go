package wellknown

import (
	"fmt"
	"net/http"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/internal/httpx"
	"github.com/solopub/solopub/internal/to"
	"github.com/solopub/solopub/internal/webfinger"
)

// WebfingerShow answers resource lookups for the local account.
func WebfingerShow(env *activitypub.Env, w http.ResponseWriter, r *http.Request) error {
	acct, err := webfinger.Parse(r.URL.Query().Get("resource"))
	if err != nil {
		return httpx.Error(http.StatusBadRequest, err)
	}
	// use the host from the request, not the acct
	if acct.User != env.Account.Username {
		return httpx.Error(http.StatusNotFound, fmt.Errorf("no such resource"))
	}

	self := env.Account.ApID()
	w.Header().Set("Content-Type", "application/jrd+json")
	return to.JSON(w, map[string]any{
		"subject": fmt.Sprintf("acct:%s@%s", env.Account.Username, env.Account.Domain),
		"aliases": []string{
			fmt.Sprintf("https://%s/@%s", env.Account.Domain, env.Account.Username),
			self,
		},
		"links": []map[string]any{
			{
				"rel":  "http://webfinger.net/rel/profile-page",
				"type": "text/html",
				"href": fmt.Sprintf("https://%s/@%s", env.Account.Domain, env.Account.Username),
			},
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": self,
			},
		},
	})
}
