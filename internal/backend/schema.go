package backend

// SchemaSQL initializes the record tables. Collections are created by the
// admin workflow; the definition here keeps a fresh database usable.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS ingest_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS collectionId ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS fileKey ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS filename ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS totalImages ON ingest_job TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS processedImages ON ingest_job TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS error ON ingest_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS workHandle ON ingest_job TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS createdAt ON ingest_job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS startedAt ON ingest_job TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS finishedAt ON ingest_job TYPE option<datetime>;
    DEFINE INDEX IF NOT EXISTS ingest_job_collection ON ingest_job FIELDS collectionId;

    DEFINE TABLE IF NOT EXISTS search_request SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS collectionId ON search_request TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON search_request TYPE string;
    DEFINE FIELD IF NOT EXISTS imagesFound ON search_request TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS totalImages ON search_request TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS processedImages ON search_request TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS error ON search_request TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS externalChannelRef ON search_request TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS createdAt ON search_request TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS search_request_collection ON search_request FIELDS collectionId;

    DEFINE TABLE IF NOT EXISTS collection SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS title ON collection TYPE string;
    DEFINE FIELD IF NOT EXISTS imagesCount ON collection TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS status ON collection TYPE string DEFAULT 'not_started';
    DEFINE FIELD IF NOT EXISTS previewImages ON collection TYPE array<string> DEFAULT [];
`
