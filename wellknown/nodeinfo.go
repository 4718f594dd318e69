package wellknown

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/solopub/solopub/activitypub"
	"github.com/solopub/solopub/internal/httpx"
	"github.com/solopub/solopub/internal/to"
	"github.com/solopub/solopub/models"
)

func NodeInfoIndex(env *activitypub.Env, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("cache-control", "max-age=259200, public")
	return to.JSON(w, map[string]any{
		"links": []any{
			map[string]any{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": fmt.Sprintf("https://%s/nodeinfo/2.0", r.Host),
			},
			map[string]any{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": fmt.Sprintf("https://%s/nodeinfo/2.1", r.Host),
			},
		},
	})
}

func NodeInfoShow(env *activitypub.Env, w http.ResponseWriter, r *http.Request) error {
	var localPosts int64
	err := env.DB.Model(&models.OutboxObject{}).
		Where("is_deleted = false AND is_transient = false").
		Count(&localPosts).Error
	if err != nil {
		return err
	}
	usage := map[string]any{
		"users":      map[string]any{"total": 1},
		"localPosts": localPosts,
	}
	switch chi.URLParam(r, "version") {
	case "2.0":
		// https://github.com/jhass/nodeinfo/blob/main/schemas/2.0/schema.json
		w.Header().Set("cache-control", "max-age=259200, public")
		return to.JSON(w, map[string]any{
			"version": "2.0",
			"software": map[string]any{
				"name":    "solopub",
				"version": "0.0.0-devel",
			},
			"protocols":         []any{"activitypub"},
			"services":          services(),
			"usage":             usage,
			"openRegistrations": false,
			"metadata":          map[string]any{},
		})
	case "2.1":
		w.Header().Set("cache-control", "max-age=259200, public")
		return to.JSON(w, map[string]any{
			"version": "2.1",
			"software": map[string]any{
				"name":       "solopub",
				"version":    "0.0.0-devel",
				"repository": "https://github.com/solopub/solopub",
			},
			"protocols":         []any{"activitypub"},
			"services":          services(),
			"usage":             usage,
			"openRegistrations": false,
			"metadata":          map[string]any{},
		})
	default:
		return httpx.Error(http.StatusNotFound, errors.New("unsupported version: "+chi.URLParam(r, "version")))
	}
}

func services() map[string]any {
	return map[string]any{
		"inbound":  []any{},
		"outbound": []any{},
	}
}
