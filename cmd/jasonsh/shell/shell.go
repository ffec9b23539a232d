// Package shell implements the jasonsh REPL over the embedded engine.
package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/peterh/liner"

	jasondb "github.com/sohzm/jasonisnthappy"
)

// Shell holds REPL state: the current collection context and an
// optional open transaction.
type Shell struct {
	db         *jasondb.DB
	dbPath     string
	collection string
	txn        *jasondb.Txn
}

// Run starts the interactive loop and blocks until exit.
func Run(db *jasondb.DB, dbPath string) error {
	s := &Shell{db: db, dbPath: dbPath}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(os.TempDir(), ".jasonsh_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Printf("jasonsh connected to %s (type 'help')\n", dbPath)
	for {
		input, err := line.Prompt(s.prompt())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == "exit" || input == "quit" {
			break
		}
		if err := s.dispatch(input); err != nil {
			fmt.Printf("error (%d): %v\n", jasondb.CodeOf(err), err)
		}
	}

	if s.txn != nil {
		s.txn.Rollback()
		fmt.Println("open transaction rolled back")
	}
	return nil
}

func (s *Shell) prompt() string {
	p := "jason"
	if s.collection != "" {
		p += "/" + s.collection
	}
	if s.txn != nil {
		p += " (tx)"
	}
	return p + "> "
}

func (s *Shell) coll() (*jasondb.Collection, error) {
	if s.collection == "" {
		return nil, errors.New("no collection selected; run: use <name>")
	}
	return s.db.Collection(s.collection)
}

func (s *Shell) dispatch(input string) error {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		printHelp()
		return nil
	case "collections":
		names, err := s.db.ListCollections()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	case "use":
		if _, err := s.db.Collection(rest); err != nil {
			return err
		}
		s.collection = rest
		return nil
	case "createcoll":
		_, err := s.db.CreateCollection(rest)
		if err == nil {
			s.collection = rest
		}
		return err
	case "dropcoll":
		if rest == s.collection {
			s.collection = ""
		}
		return s.db.DropCollection(rest)
	case "begin":
		if s.txn != nil {
			return errors.New("transaction already open")
		}
		txn, err := s.db.Begin()
		if err != nil {
			return err
		}
		s.txn = txn
		return nil
	case "commit":
		if s.txn == nil {
			return errors.New("no open transaction")
		}
		err := s.txn.Commit()
		s.txn = nil
		return err
	case "rollback":
		if s.txn == nil {
			return errors.New("no open transaction")
		}
		err := s.txn.Rollback()
		s.txn = nil
		return err
	case "insert":
		return s.cmdInsert(rest)
	case "get":
		return s.cmdGet(rest)
	case "find":
		return s.cmdFind()
	case "update":
		return s.cmdUpdate(rest)
	case "delete":
		coll, err := s.coll()
		if err != nil {
			return err
		}
		return coll.DeleteByID(s.txn, rest)
	case "count":
		coll, err := s.coll()
		if err != nil {
			return err
		}
		n, err := coll.Count(s.txn)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	case "distinct":
		coll, err := s.coll()
		if err != nil {
			return err
		}
		values, err := coll.Distinct(s.txn, rest)
		if err != nil {
			return err
		}
		for _, v := range values {
			data, _ := json.Marshal(v)
			fmt.Println(string(data))
		}
		return nil
	case "createindex":
		return s.cmdCreateIndex(rest)
	case "indexes":
		coll, err := s.coll()
		if err != nil {
			return err
		}
		infos, err := coll.Indexes(s.txn)
		if err != nil {
			return err
		}
		for name, info := range infos {
			fmt.Printf("%s\t%s\tfields=%s\tunique=%v\n", name, info.Kind, strings.Join(info.Fields, ","), info.Unique)
		}
		return nil
	case "watch":
		return s.cmdWatch(rest)
	case "stats":
		return s.cmdStats()
	case "checkpoint":
		return s.db.Checkpoint()
	case "gc":
		stats, err := s.db.GC()
		if err != nil {
			return err
		}
		fmt.Printf("versions=%d chains=%d pages_released=%d took=%s\n",
			stats.VersionsRemoved, stats.ChainsRemoved, stats.PagesReleased, stats.Duration)
		return nil
	case "backup":
		if rest == "" {
			return errors.New("usage: backup <path>")
		}
		return s.db.Backup(rest)
	case "verify":
		if rest == "" {
			return errors.New("usage: verify <path>")
		}
		info, err := jasondb.VerifyBackup(rest)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d collections=%d documents=%d\n",
			info.Version, len(info.Collections), info.TotalDocuments)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
}

func (s *Shell) cmdInsert(rest string) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	var doc jasondb.Document
	if err := json.Unmarshal([]byte(rest), &doc); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	id, err := coll.Insert(s.txn, doc)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func (s *Shell) cmdGet(id string) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	doc, err := coll.FindByID(s.txn, id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func (s *Shell) cmdFind() error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	cur, err := coll.Find(s.txn, nil)
	if err != nil {
		return err
	}
	defer cur.Close()
	n := 0
	for {
		doc, ok := cur.Next()
		if !ok {
			break
		}
		data, _ := json.Marshal(doc)
		fmt.Println(string(data))
		n++
	}
	if err := cur.Err(); err != nil {
		return err
	}
	fmt.Printf("(%d documents)\n", n)
	return nil
}

func (s *Shell) cmdUpdate(rest string) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	id, payload, ok := strings.Cut(rest, " ")
	if !ok {
		return errors.New("usage: update <id> <json>")
	}
	var updates jasondb.Document
	if err := json.Unmarshal([]byte(payload), &updates); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return coll.UpdateByID(s.txn, id, updates)
}

func (s *Shell) cmdCreateIndex(rest string) error {
	coll, err := s.coll()
	if err != nil {
		return err
	}
	parts := strings.Fields(rest)
	if len(parts) < 2 {
		return errors.New("usage: createindex <name> <field>[,field...] [unique|text]")
	}
	name := parts[0]
	fields := strings.Split(parts[1], ",")
	mode := ""
	if len(parts) > 2 {
		mode = parts[2]
	}
	switch mode {
	case "text":
		return coll.CreateTextIndex(s.txn, name, fields[0])
	case "unique":
		return coll.CreateIndex(s.txn, name, fields, true)
	case "":
		return coll.CreateIndex(s.txn, name, fields, false)
	default:
		return fmt.Errorf("unknown index mode %q", mode)
	}
}

func (s *Shell) cmdWatch(rest string) error {
	collName := rest
	if collName == "" {
		collName = s.collection
	}
	w, err := s.db.Watch(collName)
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Println("watching; press Enter to stop")
	done := make(chan struct{})
	go func() {
		var discard string
		fmt.Scanln(&discard)
		close(done)
	}()
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return nil
			}
			data, _ := json.Marshal(ev.Document)
			fmt.Printf("%s %s %s %s\n", ev.Collection, ev.Op, ev.ID, string(data))
		case <-done:
			if w.Overflowed() {
				fmt.Println("(some events were dropped)")
			}
			return nil
		}
	}
}

func (s *Shell) cmdStats() error {
	stats, err := s.db.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("collections:    %d\n", stats.Collections)
	fmt.Printf("documents:      %d\n", stats.Documents)
	fmt.Printf("page size:      %s\n", humanize.IBytes(uint64(stats.PageSize)))
	fmt.Printf("wal size:       %s\n", humanize.IBytes(uint64(stats.WALBytes)))
	fmt.Printf("cache pages:    %d (hits %d / misses %d)\n", stats.CachePages, stats.CacheHits, stats.CacheMisses)
	fmt.Printf("free pages:     %d\n", stats.FreePages)
	fmt.Printf("last committed: tx %d\n", stats.LastCommitted)
	return nil
}

func printHelp() {
	fmt.Print(`commands:
  collections                      list collections
  use <name>                       select collection context
  createcoll <name>                create collection
  dropcoll <name>                  drop collection
  insert <json>                    insert a document
  get <id>                         fetch by _id
  find                             list all documents
  update <id> <json>               merge fields into a document
  delete <id>                      delete by _id
  count                            live document count
  distinct <field>                 distinct values of a field
  createindex <name> <fields> [unique|text]
  indexes                          list indexes
  begin | commit | rollback        explicit transaction control
  watch [collection]               stream changes until Enter
  stats                            engine statistics
  checkpoint                       fold WAL into the data file
  gc                               collect dead versions and pages
  backup <path>                    copy the database under checkpoint
  verify <path>                    verify a backup copy
  exit
`)
}
