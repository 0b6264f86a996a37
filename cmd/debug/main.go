package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/thatsimonsguy/valve-controller/db"
)

func main() {
	DebugCLI()
}

func DebugCLI() {
	var dbPath, command string
	var day, limit int
	var id int64
	flag.StringVar(&dbPath, "db", "data/valve.db", "Path to the SQLite database file")
	flag.StringVar(&command, "cmd", "", "Command to run: list-schedules, seed-defaults, add-default, delete-schedule, clear-day, list-decisions")
	flag.IntVar(&day, "day", 0, "ISO day of week (1=Monday .. 7=Sunday)")
	flag.Int64Var(&id, "id", 0, "Schedule ID for delete-schedule")
	flag.IntVar(&limit, "limit", 20, "Number of decisions to list")
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help || command == "" {
		fmt.Println("\nUsage of valve-debug:")
		fmt.Println("  -db string\tPath to the SQLite database file (default 'data/valve.db')")
		fmt.Println("  -cmd string\tCommand to run: list-schedules, seed-defaults, add-default, delete-schedule, clear-day, list-decisions")
		fmt.Println("  -day int\tISO day of week (1=Monday .. 7=Sunday)")
		fmt.Println("  -id int\tSchedule ID for delete-schedule")
		fmt.Println("  -limit int\tNumber of decisions to list")
		fmt.Println("  -help\tShow this help message")
		os.Exit(0)
	}

	var err error
	switch command {
	case "list-schedules":
		err = db.ListSchedulesCLI(dbPath, day, os.Stdout)
	case "seed-defaults":
		err = db.SeedDefaultSchedulesCLI(dbPath)
	case "add-default":
		requireDay(day)
		err = db.AddDefaultScheduleCLI(dbPath, day)
	case "delete-schedule":
		if id == 0 {
			fmt.Println("Error: schedule ID is required")
			os.Exit(1)
		}
		err = db.DeleteScheduleCLI(dbPath, id)
	case "clear-day":
		requireDay(day)
		err = db.ClearDayCLI(dbPath, day)
	case "list-decisions":
		err = db.ListDecisionsCLI(dbPath, limit, os.Stdout)
	default:
		fmt.Println("Invalid command")
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
	fmt.Printf("Command %s completed successfully\n", command)
}

func requireDay(day int) {
	if day < 1 || day > 7 {
		fmt.Println("Error: -day must be between 1 and 7")
		os.Exit(1)
	}
}
