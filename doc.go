// Package wafproxy is a reverse-proxy web application firewall.
//
// Every request passes the same gates in order:
//   - IP whitelist/blacklist with CIDR support
//   - optional GeoIP country filter
//   - per-client fixed-window rate limiting with endpoint overrides
//   - rule evaluation over a hot-reloaded rule directory
//
// Permitted requests are forwarded to the domain's upstream over pooled
// HTTP/1.1 connections (the standalone binary in cmd/wafproxy), or handed to
// the next handler when running inside Caddy.
//
// Module ID: http.handlers.waf
//
// Basic usage in Caddyfile:
//
//	waf {
//	    rules_dir /etc/waf/rules
//	    ip_blacklist_file blacklist.txt
//	    rate_limit {
//	        limit 100
//	        window 1m
//	    }
//	}
//
// Rule files are YAML (or JSON) lists of rules:
//
//	- id: 942100
//	  message: SQL injection
//	  operator: regex
//	  pattern: "(?i)union.*select|or\\s+'?1'?='?1"
//	  action: deny
//	  variables: [ARGS]
//	  transforms: [url_decode, lowercase]
package wafproxy
