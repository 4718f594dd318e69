package wellknown

import (
	"fmt"
	"net/http"
)

// HostMetaIndex points legacy lrdd clients at the webfinger endpoint.
func HostMetaIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Subject>%s</Subject>
  <Link rel="lrdd" template="https://%s/.well-known/webfinger?resource={uri}"/>
</XRD>
`, r.Host, r.Host)
}
