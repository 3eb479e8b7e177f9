package models

// Currencies accepted for new ad accounts.
var Currencies = map[string]string{
	"USD": "US Dollar",
	"EUR": "Euro",
	"GBP": "British Pound",
	"CAD": "Canadian Dollar",
	"AUD": "Australian Dollar",
	"JPY": "Japanese Yen",
	"CHF": "Swiss Franc",
	"CNY": "Chinese Yuan",
	"INR": "Indian Rupee",
	"BRL": "Brazilian Real",
	"MXN": "Mexican Peso",
	"SGD": "Singapore Dollar",
	"HKD": "Hong Kong Dollar",
	"NZD": "New Zealand Dollar",
	"SEK": "Swedish Krona",
	"NOK": "Norwegian Krone",
	"DKK": "Danish Krone",
	"PLN": "Polish Zloty",
	"THB": "Thai Baht",
	"TRY": "Turkish Lira",
}

// Timezone is one of the Graph API timezone ids offered to operators.
type Timezone struct {
	ID     int    `json:"id"`
	Label  string `json:"label"`
	Offset string `json:"offset"`
	Region string `json:"region"`
}

var Timezones = []Timezone{
	{1, "Pacific Time (PT)", "UTC-08:00", "North America"},
	{2, "Mountain Time (MT)", "UTC-07:00", "North America"},
	{3, "Central Time (CT)", "UTC-06:00", "North America"},
	{4, "Eastern Time (ET)", "UTC-05:00", "North America"},
	{8, "Greenwich Mean Time (GMT)", "UTC+00:00", "Europe"},
	{47, "Central European Time (CET)", "UTC+01:00", "Europe"},
	{48, "Eastern European Time (EET)", "UTC+02:00", "Europe"},
	{57, "China Standard Time (CST)", "UTC+08:00", "Asia"},
	{58, "Japan Standard Time (JST)", "UTC+09:00", "Asia"},
	{59, "Australian Eastern Time (AET)", "UTC+10:00", "Australia"},
	{60, "New Zealand Time (NZST)", "UTC+12:00", "New Zealand"},
	{32, "Brazil Time (BRT)", "UTC-03:00", "South America"},
	{33, "Argentina Time (ART)", "UTC-03:00", "South America"},
	{45, "India Standard Time (IST)", "UTC+05:30", "Asia"},
	{46, "Singapore Time (SGT)", "UTC+08:00", "Asia"},
}

// ValidCurrency reports whether code is in Currencies.
func ValidCurrency(code string) bool {
	_, ok := Currencies[code]
	return ok
}

// ValidTimezone reports whether id is in Timezones.
func ValidTimezone(id int) bool {
	for _, tz := range Timezones {
		if tz.ID == id {
			return true
		}
	}
	return false
}
