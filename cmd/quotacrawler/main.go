// Command quotacrawler fills per-day article quotas for configured news
// sources: it walks daily listings, fetches article bodies, and stops once
// every partition holds its quota or nothing more can be gained.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
