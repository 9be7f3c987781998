// Command corral-archive exports archived jobs from a stopped orchestrator's
// database into a cold bbolt file and prunes them from the hot store.
//
// The reaper moves terminal jobs past retention into the archive bucket; this
// tool drains that bucket offline. Run it only against a stopped orchestrator
// (bbolt allows a single process).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/corral", "Corral data directory")
	outPath    = flag.String("out", "", "Cold store file (default: <data-dir>/corral-archive.db)")
	backupPath = flag.String("backup", "", "Backup of the hot database before pruning (default: <data-dir>/corral.db.backup)")
	dryRun     = flag.Bool("dry-run", false, "Report what would move without touching anything")
)

const archiveBucket = "archive"

// jobsBucket is the cold file's layout: one bucket, job rows keyed by id,
// same JSON the hot store wrote.
const jobsBucket = "jobs"

func main() {
	flag.Parse()

	log.Println("Corral Archive Tool - hot archive bucket → cold store")
	log.Println("=====================================================")

	hotPath := filepath.Join(*dataDir, "corral.db")
	if _, err := os.Stat(hotPath); err != nil {
		log.Fatalf("Database not found at %s: %v", hotPath, err)
	}

	out := *outPath
	if out == "" {
		out = filepath.Join(*dataDir, "corral-archive.db")
	}

	hot, err := bolt.Open(hotPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.Fatalf("Failed to open database (is the orchestrator still running?): %v", err)
	}
	defer hot.Close()

	pending, err := countArchived(hot)
	if err != nil {
		log.Fatalf("Failed to read archive bucket: %v", err)
	}
	log.Printf("Archived jobs pending export: %d", pending)
	if pending == 0 {
		log.Println("Nothing to do")
		return
	}
	if *dryRun {
		log.Printf("Dry run: would export %d jobs to %s and prune the hot store", pending, out)
		return
	}

	backup := *backupPath
	if backup == "" {
		backup = hotPath + ".backup"
	}
	if err := copyFile(hotPath, backup); err != nil {
		log.Fatalf("Failed to back up database: %v", err)
	}
	log.Printf("Backup written to %s", backup)

	cold, err := bolt.Open(out, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.Fatalf("Failed to open cold store: %v", err)
	}
	defer cold.Close()

	moved, err := export(hot, cold)
	if err != nil {
		log.Fatalf("Export failed (hot store unchanged beyond rows already pruned): %v", err)
	}

	log.Println("=====================================================")
	log.Printf("✓ Exported %d jobs to %s", moved, out)
}

func countArchived(hot *bolt.DB) (int, error) {
	count := 0
	err := hot.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(archiveBucket))
		if bucket == nil {
			return nil
		}
		count = bucket.Stats().KeyN
		return nil
	})
	return count, err
}

// export copies every archived row into the cold file, then prunes the hot
// bucket. Cold writes commit before hot deletes, so a crash between the two
// leaves duplicates, never losses; Put is idempotent on the next run.
func export(hot, cold *bolt.DB) (int, error) {
	type row struct{ k, v []byte }
	var rows []row

	err := hot.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(archiveBucket))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			// Validate before carrying the row over; a corrupt record
			// aborts the run rather than poisoning the cold store.
			var probe map[string]interface{}
			if err := json.Unmarshal(v, &probe); err != nil {
				return fmt.Errorf("corrupt archive row %s: %w", k, err)
			}
			rows = append(rows, row{k: append([]byte(nil), k...), v: append([]byte(nil), v...)})
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	err = cold.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(jobsBucket))
		if err != nil {
			return err
		}
		for _, r := range rows {
			if err := bucket.Put(r.k, r.v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	err = hot.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(archiveBucket))
		for _, r := range rows {
			if err := bucket.Delete(r.k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
