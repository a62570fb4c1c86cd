package wafproxy

const (
	geoIPdata  = "GeoLite2-Country.mmdb"
	localIP    = "127.0.0.1"
	aliCNIP    = "47.88.198.38"
	googleUSIP = "74.125.131.105"
	googleBRIP = "128.201.228.12"
	googleRUIP = "74.125.131.94"
)
