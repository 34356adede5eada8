// Command procman-migrate upgrades a bbolt event-store database created
// before durable subscription cursors existed. Early deployments tracked
// a subscriber's position in a "subscribers" bucket keyed by handler name
// and storing only a raw version number; the current schema keeps that
// position in the "cursors" bucket as an event key. This tool backfills
// "cursors" from "subscribers" and leaves the old bucket in place for
// rollback.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	dataDir    = flag.String("data-dir", "./procman-data", "procmand data directory")
	dbName     = flag.String("db-name", "events.db", "Database file name within data-dir")
	dryRun     = flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	backupPath = flag.String("backup", "", "Path to back up the database before migration (default: <db>.backup)")
)

var (
	bucketSubscribers = []byte("subscribers")
	bucketCursors     = []byte("cursors")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("procman migration tool - subscribers -> cursors")
	log.Println("================================================")

	dbPath := filepath.Join(*dataDir, *dbName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("database not found at %s", dbPath)
	}

	log.Printf("database: %s", dbPath)
	log.Printf("dry run: %v", *dryRun)

	if !*dryRun {
		backupFile := *backupPath
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		log.Printf("creating backup: %s", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			log.Fatalf("failed to create backup: %v", err)
		}
		log.Println("backup created")
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := migrateSubscribersToCursors(db, *dryRun); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	if *dryRun {
		log.Println("dry run complete, no changes made")
	} else {
		log.Println("migration complete")
		log.Println("old 'subscribers' bucket preserved for rollback")
	}
}

func migrateSubscribersToCursors(db *bolt.DB, dryRun bool) error {
	var subscriberCount int

	err := db.View(func(tx *bolt.Tx) error {
		subs := tx.Bucket(bucketSubscribers)
		if subs == nil {
			log.Println("no 'subscribers' bucket found, database already uses the current schema")
			return nil
		}
		return subs.ForEach(func(k, v []byte) error {
			subscriberCount++
			return nil
		})
	})
	if err != nil {
		return err
	}
	if subscriberCount == 0 {
		log.Println("no subscribers to migrate")
		return nil
	}
	log.Printf("found %d subscribers to migrate", subscriberCount)

	if dryRun {
		log.Printf("[dry run] would create '%s' bucket and migrate %d subscriber positions", bucketCursors, subscriberCount)
		return nil
	}

	migrated := 0
	err = db.Update(func(tx *bolt.Tx) error {
		subs := tx.Bucket(bucketSubscribers)
		if subs == nil {
			return nil
		}
		cursors, err := tx.CreateBucketIfNotExists(bucketCursors)
		if err != nil {
			return fmt.Errorf("create cursors bucket: %w", err)
		}
		return subs.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				log.Printf("skipping subscriber %s: legacy version value is not an 8-byte counter", k)
				return nil
			}
			n := binary.BigEndian.Uint64(v)
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, n)
			if err := cursors.Put(k, key); err != nil {
				return fmt.Errorf("write cursor for %s: %w", k, err)
			}
			migrated++
			return nil
		})
	})
	if err != nil {
		return err
	}
	log.Printf("migrated %d/%d subscriber positions", migrated, subscriberCount)
	return nil
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
