// kvconfig.go - Konfiguration fuer den Prompt-Prefix-KV-Cache
//
// Dieses Modul enthaelt:
// - KVCacheEnabled: Schaltet den Prefix-Cache ein/aus (MLXSERVE_KV_CACHE)
// - KVCacheMaxBytesMB: Byte-Obergrenze fuer alle Cache-Eintraege (MLXSERVE_KV_MAX_BYTES_MB)
// - KVCacheTTLMinutes: Leerlaufzeit, nach der ein Eintrag verfaellt (MLXSERVE_KV_TTL_MINUTES)
package envconfig

var (
	// KVCacheEnabled schaltet den Prompt-Prefix-KV-Cache ein oder aus.
	// Konfigurierbar via MLXSERVE_KV_CACHE (default: false)
	KVCacheEnabled = BoolWithDefault("MLXSERVE_KV_CACHE")

	// KVCacheMaxBytesMB begrenzt die Summe der resident geschaetzten
	// Bytes ueber alle Cache-Eintraege.
	// Konfigurierbar via MLXSERVE_KV_MAX_BYTES_MB (default: 1024 MiB)
	KVCacheMaxBytesMB = Uint64("MLXSERVE_KV_MAX_BYTES_MB", 1024)

	// KVCacheTTLMinutes setzt die Leerlaufzeit, nach der ein Eintrag als
	// verfallen gilt und beim naechsten Sweep entfernt wird.
	// Konfigurierbar via MLXSERVE_KV_TTL_MINUTES (default: 30)
	KVCacheTTLMinutes = Uint64("MLXSERVE_KV_TTL_MINUTES", 30)

	// NumParallel begrenzt, wie viele Generate-Requests gleichzeitig die
	// Decode-Schleife durchlaufen duerfen. Weitere Requests blockieren am
	// Einlass-Semaphore, bis ein Slot frei wird.
	// Konfigurierbar via MLXSERVE_NUM_PARALLEL (default: 4)
	NumParallel = Uint64("MLXSERVE_NUM_PARALLEL", 4)
)

// KVCacheEnabledDefault reads MLXSERVE_KV_CACHE with a default of false;
// the cache must be explicitly opted into.
func KVCacheEnabledDefault() bool {
	return KVCacheEnabled(false)
}
