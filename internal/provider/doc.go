// Package provider is the REST client for the third-party market-data provider.
//
// Endpoints:
//   - markets list: configured URL, returns {"result": [market...], "allowance": {...}}
//   - market price: <market.route>/price, returns {"result": {"price": n}, "allowance": {...}}
//
// Every response carries an allowance (remaining request budget). The client
// parses it and hands it back; enforcing it is the caller's decision.
package provider
