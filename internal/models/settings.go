package models

// Settings is the dashboard configuration document stored in the bucket.
// Role lists are comma separated email addresses.
type Settings struct {
	UseSettings          bool   `json:"useSettings"`
	DefaultPublicFiles   bool   `json:"defaultPublicFiles"`
	PrivateURLExpiration int    `json:"privateUrlExpiration" validate:"gte=0,lte=3650"`
	CDNAdmins            string `json:"cdnAdmins"`
	CDNUploaders         string `json:"cdnUploaders"`
	CDNDownloaders       string `json:"cdnDownloaders"`
}

// DefaultSettings is written the first time the document is read.
func DefaultSettings() Settings {
	return Settings{
		UseSettings:          true,
		DefaultPublicFiles:   false,
		PrivateURLExpiration: 7,
	}
}
