package sqlinline

const QInsertJob = `--sql f73c241e-d9e7-46d5-b7f3-4000b2ad33e3
insert into generation_jobs (
    id, user_id, status, provider, provider_job_id, mode, source_type, source_url,
    prompt, title, progress, retry_count, country, created_at, updated_at
) values (
    $1, $2, $3, $4, nullif($5, ''), $6, nullif($7, ''), nullif($8, ''),
    $9, $10, $11, $12, nullif($13, ''), now(), now()
);
`

const QSelectJobByID = `--sql 5561d6f2-82b5-4589-8ed4-a0eb926efbfd
select id, user_id, status, provider, coalesce(provider_job_id, ''), mode,
       coalesce(source_type, ''), coalesce(source_url, ''), prompt, title,
       progress, retry_count,
       coalesce(error_code, ''), coalesce(error_message, ''), coalesce(error_details, ''),
       coalesce(result_model_url, ''), coalesce(result_preview_url, ''), coalesce(result_format, ''),
       coalesce(country, ''), created_at, updated_at, started_at, completed_at, failed_at
from generation_jobs
where id = $1;
`

const QSelectActiveJobs = `--sql f45d03e6-8307-4729-a08c-a9e0b35c6bb0
select id, user_id, status, provider, coalesce(provider_job_id, ''), mode,
       coalesce(source_type, ''), coalesce(source_url, ''), prompt, title,
       progress, retry_count,
       coalesce(error_code, ''), coalesce(error_message, ''), coalesce(error_details, ''),
       coalesce(result_model_url, ''), coalesce(result_preview_url, ''), coalesce(result_format, ''),
       coalesce(country, ''), created_at, updated_at, started_at, completed_at, failed_at
from generation_jobs
where status = any($1)
order by created_at asc
limit $2;
`

const QUpdateJob = `--sql 96671217-67e2-47d5-9562-5c86a53f9b62
update generation_jobs
set status = $3,
    provider_job_id = nullif($4, ''),
    progress = $5,
    retry_count = $6,
    error_code = nullif($7, ''),
    error_message = nullif($8, ''),
    error_details = nullif($9, ''),
    result_model_url = nullif($10, ''),
    result_preview_url = nullif($11, ''),
    result_format = nullif($12, ''),
    started_at = $13,
    completed_at = $14,
    failed_at = $15,
    updated_at = now()
where id = $1 and status = $2;
`

const QRaiseJobProgress = `--sql 08f7296d-2135-4328-a0e6-ae351e2f9cd9
update generation_jobs
set progress = $2, updated_at = now()
where id = $1 and progress < $2;
`

const QRequeueJob = `--sql 8fcaa438-3d4d-4237-be2e-0af821770622
update generation_jobs
set status = 'queued',
    provider_job_id = null,
    progress = 0,
    retry_count = 0,
    error_code = null,
    error_message = null,
    error_details = null,
    result_model_url = null,
    result_preview_url = null,
    result_format = null,
    started_at = null,
    completed_at = null,
    failed_at = null,
    updated_at = now()
where id = $1 and status = any($2);
`

const QDeleteJob = `--sql 1d4c622a-1b73-47bd-9096-f254daaacb8e
delete from generation_jobs
where id = $1 and status = any($2);
`

const QCountOlderActiveJobs = `--sql 0bf8e2cb-a8c8-46d0-b2c4-12d3671e432d
select count(*)
from generation_jobs
where status = any($1) and created_at < $2;
`

const QCountActiveJobs = `--sql ea440b31-15ae-43d5-a3e8-d78b9ee34f79
select count(*)
from generation_jobs
where status = any($1);
`
