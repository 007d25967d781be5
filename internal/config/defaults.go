package config

import "time"

// DefaultSources is the built-in registry used when the config file lists
// no sources. Limits follow each provider's published public quotas.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{
			Name:               "FDA",
			Kind:               "openfda",
			Agency:             "Food and Drug Administration",
			Endpoints:          []string{"https://api.fda.gov/food/enforcement.json"},
			FreshnessThreshold: 24 * time.Hour,
			UrgencyWeight:      0.9,
			APIKeyEnv:          "OPENFDA_API_KEY",
			Rate:               RateConfig{PerMinute: 40, PerHour: 240, RatePerSecond: 2, Burst: 2},
		},
		{
			Name:               "FSIS",
			Kind:               "fsis",
			Agency:             "Food Safety and Inspection Service",
			Endpoints:          []string{"https://www.fsis.usda.gov/fsis/api/recall/v/1"},
			FreshnessThreshold: 24 * time.Hour,
			UrgencyWeight:      0.9,
			Rate:               RateConfig{PerMinute: 10, PerHour: 120},
		},
		{
			Name:               "EPA",
			Kind:               "rss",
			Agency:             "Environmental Protection Agency",
			Endpoints:          []string{"https://www.epa.gov/newsreleases/search/rss"},
			Format:             "rss",
			FreshnessThreshold: 48 * time.Hour,
			UrgencyWeight:      0.6,
			Rate:               RateConfig{PerMinute: 10, PerHour: 120},
		},
		{
			Name:               "CDC",
			Kind:               "rss",
			Agency:             "Centers for Disease Control and Prevention",
			Endpoints:          []string{"https://tools.cdc.gov/api/v2/resources/media/132608.rss"},
			Format:             "rss",
			FreshnessThreshold: 48 * time.Hour,
			UrgencyWeight:      0.7,
			Rate:               RateConfig{PerMinute: 10, PerHour: 120},
		},
		{
			Name:               "FEDERAL_REGISTER",
			Kind:               "federal_register",
			Agency:             "Office of the Federal Register",
			Endpoints:          []string{"https://www.federalregister.gov/api/v1/documents.json"},
			FreshnessThreshold: 24 * time.Hour,
			UrgencyWeight:      0.5,
			Rate:               RateConfig{PerMinute: 30, PerHour: 600, RatePerSecond: 1, Burst: 2},
			Params: map[string]string{
				"agencies": "food-and-drug-administration,food-safety-and-inspection-service,environmental-protection-agency",
			},
		},
		{
			Name:               "REGULATIONS_GOV",
			Kind:               "regulations_gov",
			Agency:             "Regulations.gov",
			Endpoints:          []string{"https://api.regulations.gov/v4/documents"},
			FreshnessThreshold: 72 * time.Hour,
			UrgencyWeight:      0.4,
			APIKeyEnv:          "REGULATIONS_GOV_API_KEY",
			Rate:               RateConfig{PerMinute: 20, PerHour: 900, RatePerSecond: 1, Burst: 1},
			ItemCap:            50,
			Params: map[string]string{
				"agency_ids": "FDA,FSIS,EPA",
			},
		},
	}
}
