package token

import "strings"

// AccessRequest describes a resource access presented alongside a token by
// the auth gateway's validation callback.
type AccessRequest struct {
	Level     Level
	Method    string
	OrthancID string
	DicomUID  string
	URI       string
}

// System URIs viewers need even when operating under a share token.
var allowedSystemURIs = []string{"/system", "/plugins", "/dicom-web/servers"}

// Covers reports whether tok grants the requested access. Share tokens are
// read-only; a study-level token covers its series and instances, a
// series-level token its instances. Hierarchy membership is trusted here:
// the imaging backend has already resolved the child to its parent.
func (t Token) Covers(req AccessRequest) bool {
	if !strings.EqualFold(req.Method, "get") {
		return false
	}

	if req.Level == "system" {
		for _, uri := range allowedSystemURIs {
			if strings.Contains(req.URI, uri) {
				return true
			}
		}
		return false
	}

	for _, res := range t.Resources {
		if req.OrthancID != "" && req.OrthancID == res.OrthancID {
			return true
		}
		if req.DicomUID != "" && req.DicomUID == res.DicomUID {
			return true
		}
		if res.Level == LevelStudy && (req.Level == LevelSeries || req.Level == LevelInstance) {
			return true
		}
		if res.Level == LevelSeries && req.Level == LevelInstance {
			return true
		}
	}
	return false
}
