package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IMQS/cli"
	"github.com/IMQS/gowinsvc/service"
	"github.com/IMQS/service-finder/normalize"
	"github.com/IMQS/service-finder/query"
	"github.com/IMQS/service-finder/server"
	"github.com/joho/godotenv"
)

func main() {
	app := cli.App{}
	app.Description = "service-finder -c=configfile [options] command"
	app.DefaultExec = exec
	app.AddCommand("run", "Run the service finder")
	app.AddCommand("ingest", "Ingest records from JSON files. Each file holds one record, or an array of records", "...file")
	app.AddCommand("reindex", "Rebuild search documents from the database\nIf no ids are specified, then every service is reindexed.", "...id")
	app.AddCommand("cleanup", "Remove orphaned rows, and low quality services if Schedule.RemoveLowestQuality is set")
	app.AddCommand("stats", "Print directory statistics")
	app.AddCommand("create-index", "Create the search index, if it does not exist")
	app.AddCommand("delete-index", "Delete the search index")
	app.AddCommand("find", "Search from the command line", "...term")
	app.AddValueOption("c", "configfile", "Configuration file if not using the configuration service")
	os.Exit(app.Run())
}

func ingestFiles(engine *server.Engine, files []string) error {
	records := []normalize.RawRecord{}
	for _, filename := range files {
		f, err := os.Open(filename)
		if err != nil {
			return err
		}
		batch, err := server.DecodeRecords(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%v: %w", filename, err)
		}
		records = append(records, batch...)
	}
	res, err := engine.Ingest(context.Background(), records)
	fmt.Printf("%v records: %v inserted, %v updated, %v rejected, %v store errors, %v indexed, %v index errors\n",
		res.Total, res.Inserted, res.Updated, res.Rejected, res.StoreErrors, res.Indexed, res.IndexErrors)
	for _, f := range res.Failures {
		fmt.Printf("  #%-5v %-9v %-40v %v\n", f.Index, f.Stage, f.Name, f.Error)
	}
	return err
}

func exec(cmdName string, args []string, options cli.OptionSet) int {
	configFile := options["c"]

	// Secrets may live in a .env file. It is fine for there to be none.
	godotenv.Load()

	engine := server.Engine{}
	engine.ConfigFile = configFile

	err := engine.LoadConfigFromFile()
	if err != nil {
		fmt.Printf("Error loading service finder config: %v\n", err)
		return 1
	}

	// No point in creating the index, only to delete it
	err = engine.Initialize(cmdName == "delete-index")
	if err != nil {
		if engine.ErrorLog != nil {
			engine.ErrorLog.Error(err.Error())
		}
		fmt.Printf("Error initializing service finder: %v\n", err)
		return 1
	}
	defer engine.Close()

	run := func() {
		config := engine.GetConfig()
		if !config.Schedule.DisableAutoReindex {
			go engine.StartAutoReindexer()
		}
		engine.StartAutoCleanup()
		err = engine.RunHttp()
		if err != nil {
			engine.ErrorLog.Errorf("Error running HTTP server: %v\n", err)
		}
	}

	start := time.Now()
	ctx := context.Background()

	switch cmdName {
	case "run":
		if !service.RunAsService(run) {
			run()
		}
	case "ingest":
		err = ingestFiles(&engine, args)
	case "reindex":
		var res query.BulkIndexResult
		if len(args) == 0 {
			fmt.Printf("Reindexing all services. See log for details.\n")
			res, err = engine.ReindexAll(ctx)
		} else {
			res, err = engine.Reindex(ctx, args)
		}
		fmt.Printf("%v indexed, %v failed\n", res.Indexed, res.Failed)
	case "cleanup":
		res, e := engine.Cleanup(ctx)
		if err = e; err == nil {
			fmt.Printf("Removed %v services, %v locations, %v contacts, %v categories\n",
				len(res.RemovedServices), res.OrphanedLocations, res.OrphanedContacts, res.OrphanedCategories)
		}
	case "stats":
		st, e := engine.Store.GetStatistics(ctx)
		if err = e; err == nil {
			fmt.Printf("%-24v %8v\n", "Services", st.TotalServices)
			fmt.Printf("%-24v %8v\n", "Active", st.ActiveServices)
			fmt.Printf("%-24v %8v\n", "Youth specific", st.YouthSpecificServices)
			fmt.Printf("%-24v %8v\n", "Organizations", st.TotalOrganizations)
			fmt.Printf("%-24v %8v\n", "Data sources", st.DataSources)
			fmt.Printf("%-24v %8v\n", "States covered", st.StatesCovered)
			fmt.Printf("%-24v %8.2f\n", "Average completeness", st.AverageCompleteness)
		}
	case "create-index":
		// Initialize has already created it
		fmt.Printf("Index %v is ready\n", engine.Indexes.Name())
	case "delete-index":
		err = engine.Indexes.DeleteIndex(ctx)
	case "find":
		q := query.SearchQuery{Text: strings.Join(args, " ")}
		var res *query.SearchResult
		res, err = engine.Search.SearchServices(ctx, &q)
		if err == nil {
			fmt.Printf("%-40v %-20v %7v\n", "Service", "Source", "Score")
			for _, r := range res.Services {
				fmt.Printf("%-40v %-20v %7.3f\n", r.Name, r.DataSource, r.Score)
			}
			fmt.Printf("%v of %v results\n", len(res.Services), res.Total)
		}
	default:
		fmt.Printf("Unknown command %v\n", cmdName)
		return 1
	}

	if err == nil {
		fmt.Printf("Finished in %.3v seconds\n", time.Now().Sub(start).Seconds())
		return 0
	} else {
		fmt.Printf("Error: %v\n", err)
		return 1
	}
}
