package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// VerifyIntegrity checks the locked scope files against the .checksums
// manifest. Any mismatch is a hard failure: both config.yaml and policy.yaml
// gate what commands tenants may run. A missing manifest only warns, so
// unlocked development setups keep working.
func VerifyIntegrity(configDir string) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}

	checksumPath := filepath.Join(configDir, ".checksums")
	manifest, err := LoadChecksums(configDir)
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no .checksums manifest found at %s; run 'siterelay config lock' to enable integrity verification", checksumPath))
		return result, nil
	}

	for _, filename := range ScopeFiles {
		filePath := filepath.Join(configDir, filename)
		expectedHash, inManifest := manifest.Hashes[filename]

		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			if inManifest {
				result.Passed = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("file %s is in .checksums but missing from disk", filename))
			}
			continue
		}

		if !inManifest {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("file %s not in .checksums manifest; run 'siterelay config lock'", filename))
			continue
		}

		actualHash, err := ComputeBlake3Hash(filePath)
		if err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("failed to hash %s: %v", filename, err))
			continue
		}

		if actualHash != expectedHash {
			result.Passed = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", filename, expectedHash, actualHash))
		}
	}

	return result, nil
}
